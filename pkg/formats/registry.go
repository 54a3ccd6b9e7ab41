package formats

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/docflow/pkg/errors"
)

// Registry maps format tags and file suffixes to formats.
type Registry struct {
	formats    map[string]*Format
	extensions map[string]string
	mu         sync.RWMutex
}

// Global registry instance, filled by the format subpackages' init functions
var globalRegistry = NewRegistry()

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		formats:    make(map[string]*Format),
		extensions: make(map[string]string),
	}
}

// Register adds a format. Tags and suffixes must be unique.
func (r *Registry) Register(f Format) error {
	if f.Name == "" || f.Reader == nil || f.NewWriter == nil {
		return errors.New(errors.ErrorTypeInvalidConfiguration, "format needs a name, a reader and a writer")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := strings.ToLower(f.Name)
	if _, exists := r.formats[name]; exists {
		return errors.Newf(errors.ErrorTypeInvalidConfiguration, "format %s already registered", name)
	}
	for _, ext := range f.Extensions {
		if owner, exists := r.extensions[strings.ToLower(ext)]; exists {
			return errors.Newf(errors.ErrorTypeInvalidConfiguration, "extension %s already registered by %s", ext, owner)
		}
	}

	f.Name = name
	r.formats[name] = &f
	for _, ext := range f.Extensions {
		r.extensions[strings.ToLower(ext)] = name
	}
	return nil
}

// Lookup returns the format registered under name.
func (r *Registry) Lookup(name string) (*Format, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key := strings.ToLower(strings.TrimPrefix(name, "."))
	if f, ok := r.formats[key]; ok {
		return f, nil
	}
	if owner, ok := r.extensions["."+key]; ok {
		return r.formats[owner], nil
	}
	return nil, errors.Newf(errors.ErrorTypeUnsupportedFormat, "format %q is not supported", name).
		WithDetail(errors.DetailFormat, name)
}

// ForPath returns the format matching the suffix of path.
func (r *Registry) ForPath(path string) (*Format, error) {
	ext := strings.ToLower(filepath.Ext(path))
	r.mu.RLock()
	owner, ok := r.extensions[ext]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeUnsupportedFormat, "no format handles suffix %q", ext).
			WithDetail(errors.DetailPath, path)
	}
	return r.Lookup(owner)
}

// Supports reports whether path has a registered suffix.
func (r *Registry) Supports(path string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.extensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Resolve picks the format for path: an explicit tag wins, then the path's
// suffix, then fallback. Falling back is logged as a warning. An unknown
// explicit tag or fallback is an UnsupportedFormat error.
func (r *Registry) Resolve(path, explicit, fallback string, logger *zap.Logger) (*Format, error) {
	if explicit != "" {
		return r.Lookup(explicit)
	}
	if f, err := r.ForPath(path); err == nil {
		return f, nil
	}
	f, err := r.Lookup(fallback)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Warn("unrecognized file suffix, using default format",
			zap.String("path", path),
			zap.String("format", f.Name))
	}
	return f, nil
}

// List returns registered formats sorted by name.
func (r *Registry) List() []*Format {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Format, 0, len(r.formats))
	for _, f := range r.formats {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Global registry functions

// Register adds a format to the global registry
func Register(f Format) error {
	return globalRegistry.Register(f)
}

// MustRegister is Register for init functions; a duplicate is a programming error.
func MustRegister(f Format) {
	if err := Register(f); err != nil {
		panic(err)
	}
}

// Lookup returns a format from the global registry
func Lookup(name string) (*Format, error) {
	return globalRegistry.Lookup(name)
}

// ForPath returns the global registry's format for path's suffix
func ForPath(path string) (*Format, error) {
	return globalRegistry.ForPath(path)
}

// GetRegistry returns the global registry instance.
func GetRegistry() *Registry {
	return globalRegistry
}
