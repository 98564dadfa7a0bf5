// Package bundlefetch defines the narrow interfaces this repo consumes
// to retrieve a signed bundle's content from wherever it's distributed
// (an OCI registry, object storage, a local path) without depending on
// any particular registry client; only the consumer-side contracts live
// here.
package bundlefetch

import (
	"context"
	"sync"
)

// BundleLayerMediaType is the OCI media type of a policy bundle layer.
const BundleLayerMediaType = "application/vnd.opa.bundle.layer.v1+gzip"

// Fetcher retrieves bundle bytes by reference (a tag, digest, or path,
// depending on the backing store). Callers pass the result to
// pkg/manifest for schema validation and signature verification before
// trusting any of it.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Registry is the full consumer-side contract against an OCI-style
// bundle registry. A real implementation wraps a registry client; this
// repo only consumes the interface.
type Registry interface {
	PushBlob(ctx context.Context, digest string, data []byte) error
	PullBlob(ctx context.Context, digest string) ([]byte, error)
	PutManifest(ctx context.Context, tag string, manifest []byte) error
	GetManifest(ctx context.Context, tag string) ([]byte, error)
	ListTags(ctx context.Context) ([]string, error)
	DeleteTag(ctx context.Context, tag string) error
}

// InMemoryFetcher is a Fetcher backed by a fixed map, for tests and local
// development without a real registry.
type InMemoryFetcher map[string][]byte

func (f InMemoryFetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, ok := f[ref]
	if !ok {
		return nil, &NotFoundError{Ref: ref}
	}
	return data, nil
}

// InMemoryRegistry is a Registry backed by two maps, for tests and local
// development without a real registry.
type InMemoryRegistry struct {
	mu        sync.Mutex
	blobs     map[string][]byte
	manifests map[string][]byte
	tagOrder  []string
}

// NewInMemoryRegistry returns an empty registry.
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{
		blobs:     make(map[string][]byte),
		manifests: make(map[string][]byte),
	}
}

func (r *InMemoryRegistry) PushBlob(ctx context.Context, digest string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blobs[digest] = data
	return nil
}

func (r *InMemoryRegistry) PullBlob(ctx context.Context, digest string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.blobs[digest]
	if !ok {
		return nil, &NotFoundError{Ref: digest}
	}
	return data, nil
}

func (r *InMemoryRegistry) PutManifest(ctx context.Context, tag string, manifest []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.manifests[tag]; !exists {
		r.tagOrder = append(r.tagOrder, tag)
	}
	r.manifests[tag] = manifest
	return nil
}

func (r *InMemoryRegistry) GetManifest(ctx context.Context, tag string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.manifests[tag]
	if !ok {
		return nil, &NotFoundError{Ref: tag}
	}
	return m, nil
}

func (r *InMemoryRegistry) ListTags(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.tagOrder))
	copy(out, r.tagOrder)
	return out, nil
}

func (r *InMemoryRegistry) DeleteTag(ctx context.Context, tag string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.manifests, tag)
	for i, t := range r.tagOrder {
		if t == tag {
			r.tagOrder = append(r.tagOrder[:i], r.tagOrder[i+1:]...)
			break
		}
	}
	return nil
}

var _ Registry = (*InMemoryRegistry)(nil)

// NotFoundError reports a reference absent from the backing store.
type NotFoundError struct {
	Ref string
}

func (e *NotFoundError) Error() string {
	return "bundlefetch: no bundle found for reference " + e.Ref
}
