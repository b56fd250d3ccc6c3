package leoindex

import (
	"context"
	"sort"
	"strings"
	"sync"

	leoerrors "github.com/leohq/leo/internal/errors"
	"github.com/leohq/leo/internal/leoqueue"
)

// Indexer is the consumed contract invoked once per StoreDataDetails
// record (spec §4.3 step 5).
type Indexer interface {
	Index(ctx context.Context, details leoqueue.StoreDataDetails) error
}

// Reindexer is the optional capability an Indexer may additionally
// implement to handle ReIndexAll-originated events (details carrying
// Reindex=true) differently from ordinary change events.
type Reindexer interface {
	Reindex(ctx context.Context, details leoqueue.StoreDataDetails) error
}

type pathEntry struct {
	prefix  string
	indexer Indexer
}

// Registry holds the typeIndexers and pathIndexers maps from spec §4.3.
// Both reject duplicate registration. The zero value is ready to use.
type Registry struct {
	mu    sync.RWMutex
	types map[string]Indexer
	paths []pathEntry // kept sorted longest-prefix-first by RegisterPath
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[string]Indexer)}
}

// RegisterType associates typeName (matched against the Type metadata key)
// with idx. Registering the same typeName twice is a ConfigurationError.
func (r *Registry) RegisterType(typeName string, idx Indexer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[typeName]; exists {
		return leoerrors.NewConfigurationError("leoindex: type indexer %q already registered", typeName)
	}
	if r.types == nil {
		r.types = make(map[string]Indexer)
	}
	r.types[typeName] = idx
	return nil
}

// RegisterPath associates a basePath prefix with idx. Registering the same
// prefix twice is a ConfigurationError.
func (r *Registry) RegisterPath(prefix string, idx Indexer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.paths {
		if e.prefix == prefix {
			return leoerrors.NewConfigurationError("leoindex: path indexer %q already registered", prefix)
		}
	}
	r.paths = append(r.paths, pathEntry{prefix: prefix, indexer: idx})
	sort.Slice(r.paths, func(i, j int) bool { return len(r.paths[i].prefix) > len(r.paths[j].prefix) })
	return nil
}

// resolution is what resolve returns: the chosen indexer plus whether it
// was matched by type (affecting the dedup collapse key per spec §4.3
// step 4).
type resolution struct {
	indexer  Indexer
	byType   bool
}

// resolve picks an indexer by type first (if Type metadata is present and
// registered), else by longest matching basePath prefix. ok is false if
// neither matched.
func (r *Registry) resolve(details leoqueue.StoreDataDetails) (resolution, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if t, has := details.Metadata["Type"]; has {
		if idx, ok := r.types[t]; ok {
			return resolution{indexer: idx, byType: true}, true
		}
	}
	for _, e := range r.paths {
		if strings.HasPrefix(details.BasePath, e.prefix) {
			return resolution{indexer: e.indexer}, true
		}
	}
	return resolution{}, false
}
