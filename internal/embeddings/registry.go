package embeddings

import (
	"sort"
	"sync"
)

// knownDimensions seeds every new registry.
var knownDimensions = map[string]int{
	// Ollama models
	"nomic-embed-text":       768,
	"mxbai-embed-large":      1024,
	"all-minilm":             384,
	"snowflake-arctic-embed": 1024,
	"bge-m3":                 1024,

	// OpenAI models
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// ModelRegistry records vector lengths seen per model and which models are
// currently in use by running jobs. Safe for concurrent use.
type ModelRegistry struct {
	mu     sync.RWMutex
	dims   map[string]int
	active map[string]int
}

// NewModelRegistry returns a registry seeded with well-known models.
func NewModelRegistry() *ModelRegistry {
	r := &ModelRegistry{
		dims:   make(map[string]int, len(knownDimensions)),
		active: make(map[string]int),
	}
	for model, d := range knownDimensions {
		r.dims[model] = d
	}
	return r
}

// Dimensions returns the recorded vector length for model, or 0 if unknown.
func (r *ModelRegistry) Dimensions(model string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dims[model]
}

// Observe records the vector length a model actually produced.
func (r *ModelRegistry) Observe(model string, dims int) {
	if model == "" || dims <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dims[model] = dims
}

// Activate marks model as in use. Calls nest; each needs a Deactivate.
func (r *ModelRegistry) Activate(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[model]++
}

// Deactivate releases one Activate.
func (r *ModelRegistry) Deactivate(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[model] <= 1 {
		delete(r.active, model)
		return
	}
	r.active[model]--
}

// IsActive reports whether any job is using model.
func (r *ModelRegistry) IsActive(model string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active[model] > 0
}

// Active returns the models in use, sorted.
func (r *ModelRegistry) Active() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	models := make([]string, 0, len(r.active))
	for m := range r.active {
		models = append(models, m)
	}
	sort.Strings(models)
	return models
}
