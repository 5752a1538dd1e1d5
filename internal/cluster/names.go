package cluster

import (
	"fmt"
	"hash/fnv"
	"strings"

	"k8s.io/apimachinery/pkg/util/rand"
)

const (
	LabelManagedBy = "app.kubernetes.io/managed-by"
	LabelUser      = "novaspace.io/user"
	ManagedBy      = "novaspace"

	// AnnotationUserID carries the raw user id on service accounts.
	AnnotationUserID = "novaspace.io/user-id"

	// SecretTokenKey is the data key the token controller fills on
	// service-account-token secrets.
	SecretTokenKey = "token"

	labelMaxLength = 63
)

// ServiceAccountName derives the service account for a user. The result is a
// DNS-1123 label and distinct user ids never share one: ids that are not
// already valid labels get a hash of the raw id appended.
func ServiceAccountName(userID string) string {
	name := sanitizeLabel(userID, "user", labelMaxLength)
	if name == userID {
		return name
	}
	suffix := idHash(userID)
	name = sanitizeLabel(name, "user", labelMaxLength-len(suffix)-1)
	return name + "-" + suffix
}

// idHash follows the controller-revision naming scheme: fnv32a encoded with
// the apimachinery safe alphabet.
func idHash(id string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return rand.SafeEncodeString(fmt.Sprint(h.Sum32()))
}

// RoleBindingName follows the <service-account>-<role>-binding convention.
func RoleBindingName(serviceAccount, role string) string {
	return serviceAccount + "-" + role + "-binding"
}

// TokenSecretName is the service-account-token secret created for a service account.
func TokenSecretName(serviceAccount string) string {
	return serviceAccount + "-token"
}

func sanitizeLabel(value, fallback string, maxLen int) string {
	in := strings.ToLower(strings.TrimSpace(value))
	var b strings.Builder
	b.Grow(len(in))
	prevHyphen := false
	for _, r := range in {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			prevHyphen = false
			continue
		}
		if prevHyphen {
			continue
		}
		b.WriteRune('-')
		prevHyphen = true
	}
	out := strings.Trim(b.String(), "-")
	if len(out) > maxLen {
		out = strings.Trim(out[:maxLen], "-")
	}
	if out == "" {
		out = fallback
	}
	return out
}
