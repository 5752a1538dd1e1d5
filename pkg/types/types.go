package types

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ID identifies persisted records.
type ID = uuid.UUID

// ErrInvalidID is returned by ParseID for text that is not a non-nil UUID.
var ErrInvalidID = errors.New("invalid identity id")

// NewID allocates a record id.
func NewID() ID { return uuid.New() }

// IsZeroID reports whether id has not been assigned yet.
func IsZeroID(id ID) bool { return id == uuid.Nil }

// ParseID reads a record id back from its textual form. The nil UUID is
// rejected: stored records always carry an assigned id.
func ParseID(s string) (ID, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w %q: %v", ErrInvalidID, s, err)
	}
	if IsZeroID(id) {
		return uuid.Nil, fmt.Errorf("%w: nil uuid", ErrInvalidID)
	}
	return id, nil
}

// UserType classifies an identity's authority over namespaces.
type UserType string

const (
	UserTypeUser           UserType = "USER"
	UserTypeNamespaceAdmin UserType = "NAMESPACE_ADMIN"
	UserTypeClusterAdmin   UserType = "CLUSTER_ADMIN"
)

// NotAssignedRole marks a member that has a service account but no role binding.
const NotAssignedRole = "NOT_ASSIGNED_ROLE"

// Identity is an account-store record binding a user to a namespace through a
// service account.
type Identity struct {
	ID             ID        `json:"id"`
	UserID         string    `json:"userId"`
	ClusterName    string    `json:"clusterName,omitempty"`
	Namespace      string    `json:"namespace"`
	RoleCode       string    `json:"roleCode"`
	ServiceAccount string    `json:"serviceAccount"`
	SecretName     string    `json:"secretName,omitempty"`
	Token          string    `json:"token,omitempty"`
	UserType       UserType  `json:"userType"`
	Email          string    `json:"email,omitempty"`
	Description    string    `json:"description,omitempty"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// IsNamespaceAdmin reports whether the identity administers its namespace.
func (i Identity) IsNamespaceAdmin() bool { return i.UserType == UserTypeNamespaceAdmin }

// Redacted returns a copy without credential material, suitable for API output.
func (i Identity) Redacted() Identity {
	i.Token = ""
	return i
}

// MembershipEntry is the desired role of a user inside a namespace.
type MembershipEntry struct {
	Namespace string `json:"namespace,omitempty"`
	UserID    string `json:"userId"`
	Role      string `json:"role"`
}

// NamespaceRequest describes the desired state of a namespace.
type NamespaceRequest struct {
	Name           string   `json:"name"`
	AdminUserID    string   `json:"adminUserId"`
	ResourceQuotas []string `json:"resourceQuotas,omitempty"`
	LimitRanges    []string `json:"limitRanges,omitempty"`
}

// MembersRequest is the desired membership set for a namespace.
type MembersRequest struct {
	Members []MembershipEntry `json:"members"`
}

// NamespaceDetail is the observed state of a namespace across the cluster and
// the account store.
type NamespaceDetail struct {
	Name           string     `json:"name"`
	ClusterName    string     `json:"clusterName,omitempty"`
	ResourceQuotas []string   `json:"resourceQuotas"`
	LimitRanges    []string   `json:"limitRanges"`
	Admin          *Identity  `json:"admin,omitempty"`
	Members        []Identity `json:"members"`
}
