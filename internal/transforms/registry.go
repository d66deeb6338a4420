package transforms

import (
	"sort"
	"sync"

	"github.com/loomworks/loom/pkg/schema"
)

// Registry holds the transforms available to transform nodes. Lookups happen
// on the hot path of every transform dispatch, so reads take the shared lock.
type Registry struct {
	mu         sync.RWMutex
	transforms map[string]Transform
}

// NewRegistry creates an empty transform registry.
func NewRegistry() *Registry {
	return &Registry{
		transforms: make(map[string]Transform),
	}
}

// Register adds a transform to the registry. Duplicate names are rejected so
// a misconfigured startup fails loudly instead of silently shadowing a
// builtin.
func (r *Registry) Register(t Transform) error {
	if t == nil {
		return schema.NewError(schema.ErrCodeValidation, "cannot register nil transform")
	}
	name := t.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "cannot register transform with empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.transforms[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "transform %q is already registered", name)
	}
	r.transforms[name] = t
	return nil
}

// Get returns the transform registered under name. A missing transform at
// dispatch time is a fatal node error: validation should have caught it, and
// retrying cannot make it appear.
func (r *Registry) Get(name string) (Transform, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.transforms[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeFatal, "transform %q is not registered", name)
	}
	return t, nil
}

// Has reports whether a transform is registered under name. Satisfies the
// lookup interface the workflow validator uses.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.transforms[name]
	return ok
}

// List returns info for all registered transforms, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.transforms))
	for _, t := range r.transforms {
		infos = append(infos, Info{Name: t.Name(), Description: t.Describe()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Count returns the number of registered transforms.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.transforms)
}
