package embed

import (
	"context"
	"fmt"
	"sync"
)

// Role identifies which embedding space an embedder serves. Code units and
// free-text memories/experiences are embedded separately since a model tuned
// for source code rarely does well on natural-language prose and vice versa.
type Role string

const (
	RoleCode     Role = "code"
	RoleSemantic Role = "semantic"
)

// RegistryConfig configures both embedder roles.
type RegistryConfig struct {
	Provider string

	CodeModel string
	CodeDims  int

	SemanticModel string
	SemanticDims  int
}

// Registry lazily constructs and caches one Embedder per role. Construction
// happens at most once per role per process: the first caller to ask for a
// role pays the cost of contacting Ollama/MLX or falling back to the static
// embedder, and every later caller reuses that instance.
//
// The registry is read-only after each role's first successful
// initialization — there is no API to swap an embedder out from under
// in-flight callers. The only mutation window is warm-up, before any
// caller has observed a role's embedder.
type Registry struct {
	cfg RegistryConfig

	mu        sync.Mutex
	once      map[Role]*sync.Once
	embedders map[Role]Embedder
	errs      map[Role]error
}

// NewRegistry creates an embedding registry. No embedder is constructed
// until the first Get call for a given role.
func NewRegistry(cfg RegistryConfig) *Registry {
	return &Registry{
		cfg:       cfg,
		once:      map[Role]*sync.Once{RoleCode: {}, RoleSemantic: {}},
		embedders: make(map[Role]Embedder),
		errs:      make(map[Role]error),
	}
}

// Get returns the embedder for a role, constructing it on first use.
func (r *Registry) Get(ctx context.Context, role Role) (Embedder, error) {
	r.mu.Lock()
	once, ok := r.once[role]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown embedder role %q", role)
	}

	once.Do(func() {
		e, err := r.construct(ctx, role)
		r.mu.Lock()
		r.embedders[role] = e
		r.errs[role] = err
		r.mu.Unlock()
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.embedders[role], r.errs[role]
}

func (r *Registry) construct(ctx context.Context, role Role) (Embedder, error) {
	provider := ProviderType(r.cfg.Provider)
	if provider == "" {
		provider = ProviderOllama
	}

	var model string
	switch role {
	case RoleCode:
		model = r.cfg.CodeModel
	case RoleSemantic:
		model = r.cfg.SemanticModel
	}

	embedder, err := NewEmbedder(ctx, provider, model)
	if err != nil {
		return nil, fmt.Errorf("construct %s embedder: %w", role, err)
	}
	return embedder, nil
}

// Close releases every embedder constructed so far.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for role, e := range r.embedders {
		if e == nil {
			continue
		}
		if err := e.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s embedder: %w", role, err)
		}
	}
	return firstErr
}

// Info describes a constructed embedder for status reporting.
type Info struct {
	Role       Role
	ModelName  string
	Dimensions int
	Available  bool
}

// Describe reports the state of every role that has been constructed so
// far. A role not yet requested via Get is omitted rather than forced to
// initialize, since Describe is used by status/health checks that shouldn't
// trigger a cold model load as a side effect.
func (r *Registry) Describe(ctx context.Context) []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]Info, 0, len(r.embedders))
	for role, e := range r.embedders {
		if e == nil {
			continue
		}
		infos = append(infos, Info{
			Role:       role,
			ModelName:  e.ModelName(),
			Dimensions: e.Dimensions(),
			Available:  e.Available(ctx),
		})
	}
	return infos
}
