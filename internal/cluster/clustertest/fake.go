// Package clustertest provides an in-memory cluster.Client for tests.
package clustertest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/vaheed/novaspace/internal/cluster"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/serializer"
)

// Call records a single client invocation.
type Call struct {
	Op        string
	Kind      cluster.Kind
	Namespace string
	Name      string
}

type objectKey struct {
	kind      cluster.Kind
	namespace string
	name      string
}

// Fake is a thread-safe in-memory cluster. Manifests are decoded with the
// client-go scheme so malformed templates fail like they would against a real
// API server. Service-account-token secrets get a token on creation, and
// objects cannot be created inside a namespace that does not exist.
type Fake struct {
	mu       sync.Mutex
	objects  map[objectKey]cluster.Object
	calls    []Call
	failures map[string]error
	decoder  runtime.Decoder
}

// New returns an empty fake cluster.
func New() *Fake {
	return &Fake{
		objects:  map[objectKey]cluster.Object{},
		failures: map[string]error{},
		decoder:  serializer.NewCodecFactory(cluster.NewScheme()).UniversalDeserializer(),
	}
}

// Seed adds objects without recording calls.
func (f *Fake) Seed(objs ...cluster.Object) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range objs {
		f.objects[keyOf(o.Kind, o.Namespace, o.Name)] = o
	}
}

// Fail makes every op ("create", "delete", "get", "list") on kind return err.
// An optional name narrows the failure to one object.
func (f *Fake) Fail(op string, kind cluster.Kind, err error, name ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[failureKey(op, kind, name...)] = err
}

// Heal clears all injected failures.
func (f *Fake) Heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = map[string]error{}
}

// Has reports whether the object exists.
func (f *Fake) Has(kind cluster.Kind, namespace, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[keyOf(kind, namespace, name)]
	return ok
}

// Calls returns the recorded invocations in order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsFor filters recorded invocations by op and kind.
func (f *Fake) CallsFor(op string, kind cluster.Kind) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Op == op && c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func (f *Fake) Create(ctx context.Context, kind cluster.Kind, namespace string, payload []byte) error {
	raw, gvk, err := f.decoder.Decode(payload, nil, nil)
	if err != nil {
		return fmt.Errorf("decode %s manifest: %w", kind, err)
	}
	if gvk == nil || gvk.Kind != string(kind) {
		return fmt.Errorf("manifest is not a %s", kind)
	}
	accessor, err := meta.Accessor(raw)
	if err != nil {
		return err
	}
	if !kind.Namespaced() {
		namespace = ""
	}
	name := accessor.GetName()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: "create", Kind: kind, Namespace: namespace, Name: name})
	if err := f.failure("create", kind, name); err != nil {
		return err
	}
	if kind.Namespaced() {
		if _, ok := f.objects[keyOf(cluster.KindNamespace, "", namespace)]; !ok {
			return fmt.Errorf("namespace %s: %w", namespace, cluster.ErrNotFound)
		}
	}
	key := keyOf(kind, namespace, name)
	if _, ok := f.objects[key]; ok {
		return nil
	}
	obj := cluster.Object{Kind: kind, Namespace: namespace, Name: name, Labels: accessor.GetLabels(), Annotations: accessor.GetAnnotations()}
	if s, ok := raw.(*corev1.Secret); ok {
		obj.Data = s.Data
		if s.Type == corev1.SecretTypeServiceAccountToken {
			if obj.Data == nil {
				obj.Data = map[string][]byte{}
			}
			obj.Data[cluster.SecretTokenKey] = []byte("token-" + namespace + "-" + name)
		}
	}
	f.objects[key] = obj
	return nil
}

func (f *Fake) Delete(ctx context.Context, kind cluster.Kind, namespace, name string) error {
	if !kind.Namespaced() {
		namespace = ""
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: "delete", Kind: kind, Namespace: namespace, Name: name})
	if err := f.failure("delete", kind, name); err != nil {
		return err
	}
	key := keyOf(kind, namespace, name)
	if _, ok := f.objects[key]; !ok {
		return fmt.Errorf("%s %s/%s: %w", kind, namespace, name, cluster.ErrNotFound)
	}
	delete(f.objects, key)
	if kind == cluster.KindNamespace {
		for k := range f.objects {
			if k.namespace == name {
				delete(f.objects, k)
			}
		}
	}
	return nil
}

func (f *Fake) Get(ctx context.Context, kind cluster.Kind, namespace, name string) (cluster.Object, error) {
	if !kind.Namespaced() {
		namespace = ""
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: "get", Kind: kind, Namespace: namespace, Name: name})
	if err := f.failure("get", kind, name); err != nil {
		return cluster.Object{}, err
	}
	obj, ok := f.objects[keyOf(kind, namespace, name)]
	if !ok {
		return cluster.Object{}, fmt.Errorf("%s %s/%s: %w", kind, namespace, name, cluster.ErrNotFound)
	}
	return obj, nil
}

func (f *Fake) List(ctx context.Context, kind cluster.Kind, namespace string) ([]cluster.Object, error) {
	if !kind.Namespaced() {
		namespace = ""
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: "list", Kind: kind, Namespace: namespace})
	if err := f.failure("list", kind, ""); err != nil {
		return nil, err
	}
	var out []cluster.Object
	for k, o := range f.objects {
		if k.kind == kind && k.namespace == namespace {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Names lists the object names of kind in namespace.
func (f *Fake) Names(kind cluster.Kind, namespace string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for k := range f.objects {
		if k.kind == kind && k.namespace == namespace {
			out = append(out, k.name)
		}
	}
	sort.Strings(out)
	return out
}

func (f *Fake) failure(op string, kind cluster.Kind, name string) error {
	if err, ok := f.failures[failureKey(op, kind, name)]; ok && name != "" {
		return err
	}
	return f.failures[failureKey(op, kind)]
}

func failureKey(op string, kind cluster.Kind, name ...string) string {
	key := op + "/" + string(kind)
	if len(name) > 0 && name[0] != "" {
		key += "/" + name[0]
	}
	return key
}

func keyOf(kind cluster.Kind, namespace, name string) objectKey {
	if !kind.Namespaced() {
		namespace = ""
	}
	return objectKey{kind: kind, namespace: namespace, name: name}
}
