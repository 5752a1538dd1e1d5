package provision

import (
	"errors"
	"net/http"

	"github.com/vaheed/novaspace/internal/cluster"
	"github.com/vaheed/novaspace/internal/lock"
	"github.com/vaheed/novaspace/internal/manifest"
	"github.com/vaheed/novaspace/internal/store"
	"github.com/vaheed/novaspace/pkg/types"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

var (
	ErrInvalidNamespace       = errors.New("invalid namespace name")
	ErrNamespaceMismatch      = errors.New("namespace name mismatch")
	ErrAdministratorRequired  = errors.New("administrator required")
	ErrUnapproachableIdentity = errors.New("unapproachable identity")
	ErrInvalidMembership      = errors.New("invalid membership")
	ErrAdminNotRemovable      = errors.New("namespace administrator cannot be removed")
	ErrNamespaceExists        = errors.New("namespace already provisioned")
	ErrNamespaceBusy          = errors.New("another operation is in progress for this namespace")
	ErrServiceAccountTaken    = errors.New("service account belongs to another user")
	ErrTokenPending           = errors.New("service account token not issued yet")
)

// statusFor maps an error to the HTTP status reported in a Result.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidNamespace),
		errors.Is(err, ErrNamespaceMismatch),
		errors.Is(err, ErrAdministratorRequired),
		errors.Is(err, ErrUnapproachableIdentity),
		errors.Is(err, ErrInvalidMembership),
		errors.Is(err, ErrAdminNotRemovable):
		return http.StatusBadRequest
	case errors.Is(err, ErrNamespaceBusy),
		errors.Is(err, ErrNamespaceExists),
		errors.Is(err, ErrServiceAccountTaken),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, cluster.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lock.ErrNotAcquired):
		return http.StatusConflict
	case errors.Is(err, manifest.ErrUnknownTemplate):
		return http.StatusInternalServerError
	}
	var status apierrors.APIStatus
	if errors.As(err, &status) {
		if code := int(status.Status().Code); code >= 400 {
			return code
		}
	}
	return http.StatusInternalServerError
}

func fail(message string, err error) types.Result {
	return types.Failure(statusFor(err), message, err)
}
