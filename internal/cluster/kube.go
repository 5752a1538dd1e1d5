package cluster

import (
	"context"
	"fmt"
	"sort"

	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/serializer"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrlclient "sigs.k8s.io/controller-runtime/pkg/client"
)

// NewScheme returns a scheme with the built-in Kubernetes types registered.
func NewScheme() *runtime.Scheme {
	scheme := runtime.NewScheme()
	_ = clientgoscheme.AddToScheme(scheme)
	return scheme
}

// KubeClient implements Client on top of a controller-runtime client.
// Manifests are decoded with the client's scheme.
type KubeClient struct {
	c       ctrlclient.Client
	decoder runtime.Decoder
}

// NewKubeClient wraps c.
func NewKubeClient(c ctrlclient.Client) *KubeClient {
	return &KubeClient{
		c:       c,
		decoder: serializer.NewCodecFactory(c.Scheme()).UniversalDeserializer(),
	}
}

func (k *KubeClient) Create(ctx context.Context, kind Kind, namespace string, payload []byte) error {
	obj, err := k.decode(kind, payload)
	if err != nil {
		return err
	}
	if kind.Namespaced() {
		obj.SetNamespace(namespace)
	}
	if err := k.c.Create(ctx, obj); err != nil {
		if apierrors.IsAlreadyExists(err) {
			return nil
		}
		return fmt.Errorf("create %s %s: %w", kind, objectRef(namespace, obj.GetName()), err)
	}
	return nil
}

func (k *KubeClient) Delete(ctx context.Context, kind Kind, namespace, name string) error {
	obj, err := newObject(kind)
	if err != nil {
		return err
	}
	obj.SetName(name)
	if kind.Namespaced() {
		obj.SetNamespace(namespace)
	}
	err = k.c.Delete(ctx, obj, ctrlclient.PropagationPolicy(metav1.DeletePropagationBackground))
	if apierrors.IsNotFound(err) {
		return fmt.Errorf("%s %s: %w", kind, objectRef(namespace, name), ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", kind, objectRef(namespace, name), err)
	}
	return nil
}

func (k *KubeClient) Get(ctx context.Context, kind Kind, namespace, name string) (Object, error) {
	obj, err := newObject(kind)
	if err != nil {
		return Object{}, err
	}
	key := ctrlclient.ObjectKey{Name: name}
	if kind.Namespaced() {
		key.Namespace = namespace
	}
	if err := k.c.Get(ctx, key, obj); err != nil {
		if apierrors.IsNotFound(err) {
			return Object{}, fmt.Errorf("%s %s: %w", kind, objectRef(namespace, name), ErrNotFound)
		}
		return Object{}, fmt.Errorf("get %s %s: %w", kind, objectRef(namespace, name), err)
	}
	return toObject(kind, obj), nil
}

func (k *KubeClient) List(ctx context.Context, kind Kind, namespace string) ([]Object, error) {
	list, err := newList(kind)
	if err != nil {
		return nil, err
	}
	var opts []ctrlclient.ListOption
	if kind.Namespaced() {
		opts = append(opts, ctrlclient.InNamespace(namespace))
	}
	if err := k.c.List(ctx, list, opts...); err != nil {
		return nil, fmt.Errorf("list %s in %q: %w", kind, namespace, err)
	}
	items, err := meta.ExtractList(list)
	if err != nil {
		return nil, err
	}
	out := make([]Object, 0, len(items))
	for _, item := range items {
		obj, ok := item.(ctrlclient.Object)
		if !ok {
			continue
		}
		out = append(out, toObject(kind, obj))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (k *KubeClient) decode(kind Kind, payload []byte) (ctrlclient.Object, error) {
	raw, gvk, err := k.decoder.Decode(payload, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("decode %s manifest: %w", kind, err)
	}
	if gvk == nil || gvk.Kind != string(kind) {
		return nil, fmt.Errorf("manifest is not a %s", kind)
	}
	obj, ok := raw.(ctrlclient.Object)
	if !ok {
		return nil, fmt.Errorf("manifest %s is not an object", kind)
	}
	return obj, nil
}

func newObject(kind Kind) (ctrlclient.Object, error) {
	switch kind {
	case KindNamespace:
		return &corev1.Namespace{}, nil
	case KindRole:
		return &rbacv1.Role{}, nil
	case KindServiceAccount:
		return &corev1.ServiceAccount{}, nil
	case KindRoleBinding:
		return &rbacv1.RoleBinding{}, nil
	case KindResourceQuota:
		return &corev1.ResourceQuota{}, nil
	case KindLimitRange:
		return &corev1.LimitRange{}, nil
	case KindSecret:
		return &corev1.Secret{}, nil
	}
	return nil, fmt.Errorf("unsupported kind %q", kind)
}

func newList(kind Kind) (ctrlclient.ObjectList, error) {
	switch kind {
	case KindNamespace:
		return &corev1.NamespaceList{}, nil
	case KindRole:
		return &rbacv1.RoleList{}, nil
	case KindServiceAccount:
		return &corev1.ServiceAccountList{}, nil
	case KindRoleBinding:
		return &rbacv1.RoleBindingList{}, nil
	case KindResourceQuota:
		return &corev1.ResourceQuotaList{}, nil
	case KindLimitRange:
		return &corev1.LimitRangeList{}, nil
	case KindSecret:
		return &corev1.SecretList{}, nil
	}
	return nil, fmt.Errorf("unsupported kind %q", kind)
}

func toObject(kind Kind, obj ctrlclient.Object) Object {
	out := Object{
		Kind:        kind,
		Namespace:   obj.GetNamespace(),
		Name:        obj.GetName(),
		Labels:      obj.GetLabels(),
		Annotations: obj.GetAnnotations(),
	}
	if s, ok := obj.(*corev1.Secret); ok {
		out.Data = s.Data
	}
	return out
}

func objectRef(namespace, name string) string {
	if namespace == "" {
		return name
	}
	return namespace + "/" + name
}
