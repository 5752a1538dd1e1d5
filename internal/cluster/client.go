package cluster

import (
	"context"
	"errors"
)

// Kind names a Kubernetes object type the provisioner manages.
type Kind string

const (
	KindNamespace      Kind = "Namespace"
	KindRole           Kind = "Role"
	KindServiceAccount Kind = "ServiceAccount"
	KindRoleBinding    Kind = "RoleBinding"
	KindResourceQuota  Kind = "ResourceQuota"
	KindLimitRange     Kind = "LimitRange"
	KindSecret         Kind = "Secret"
)

// Namespaced reports whether objects of this kind live inside a namespace.
func (k Kind) Namespaced() bool { return k != KindNamespace }

// ErrNotFound is returned when a requested object does not exist.
var ErrNotFound = errors.New("not found")

// Object is the subset of a cluster object the provisioner reads back.
type Object struct {
	Kind        Kind
	Namespace   string
	Name        string
	Labels      map[string]string
	Annotations map[string]string
	Data        map[string][]byte
}

// Client is the cluster API boundary. Create treats an existing object as
// success so steps can be retried.
type Client interface {
	Create(ctx context.Context, kind Kind, namespace string, payload []byte) error
	Delete(ctx context.Context, kind Kind, namespace, name string) error
	Get(ctx context.Context, kind Kind, namespace, name string) (Object, error)
	List(ctx context.Context, kind Kind, namespace string) ([]Object, error)
}
