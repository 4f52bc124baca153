package capability

import (
	"sort"
	"sync"

	"github.com/nimbusops/nimbus/internal/errors"
)

// Spec describes one invokable capability kind. Service and Action
// build the RPC route (`POST {base}/api/<service>/<action>`); Inverse
// names the kind that undoes this one, empty when irreversible.
type Spec struct {
	Kind                string `json:"kind"`
	Service             string `json:"service"`
	Action              string `json:"action"`
	Destructive         bool   `json:"destructive"`
	Idempotent          bool   `json:"idempotent"`
	Inverse             string `json:"inverse,omitempty"`
	EstimatedDurationMS int64  `json:"estimated_duration_ms"`
	DefaultTimeoutMS    int64  `json:"default_timeout_ms"`
}

// Registry is the catalog of known capability kinds. Registration is
// static at startup; lookups are concurrent.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]Spec
}

// builtins covers the tool surface the planner decomposes into. The
// destructive set drives safety-edge insertion and rollback gating.
var builtins = []Spec{
	{Kind: "template.render", Service: "template", Action: "render", Idempotent: true, EstimatedDurationMS: 2000, DefaultTimeoutMS: 30000},
	{Kind: "fs.write", Service: "fs", Action: "write", Idempotent: true, Inverse: "fs.restore", EstimatedDurationMS: 500, DefaultTimeoutMS: 10000},
	{Kind: "fs.format", Service: "fs", Action: "format", Idempotent: true, EstimatedDurationMS: 1000, DefaultTimeoutMS: 30000},
	{Kind: "fs.restore", Service: "fs", Action: "restore", Idempotent: true, EstimatedDurationMS: 1000, DefaultTimeoutMS: 30000},

	{Kind: "terraform.validate", Service: "terraform", Action: "validate", Idempotent: true, EstimatedDurationMS: 5000, DefaultTimeoutMS: 60000},
	{Kind: "terraform.plan", Service: "terraform", Action: "plan", Idempotent: true, EstimatedDurationMS: 15000, DefaultTimeoutMS: 300000},
	{Kind: "terraform.apply", Service: "terraform", Action: "apply", Destructive: true, Idempotent: true, Inverse: "terraform.destroy", EstimatedDurationMS: 60000, DefaultTimeoutMS: 900000},
	{Kind: "terraform.destroy", Service: "terraform", Action: "destroy", Destructive: true, Idempotent: true, Inverse: "terraform.apply", EstimatedDurationMS: 45000, DefaultTimeoutMS: 900000},
	{Kind: "terraform.show", Service: "terraform", Action: "show", Idempotent: true, EstimatedDurationMS: 5000, DefaultTimeoutMS: 60000},

	{Kind: "k8s.apply", Service: "k8s", Action: "apply", Idempotent: true, Inverse: "k8s.delete", EstimatedDurationMS: 10000, DefaultTimeoutMS: 120000},
	{Kind: "k8s.delete", Service: "k8s", Action: "delete", Destructive: true, Idempotent: true, EstimatedDurationMS: 8000, DefaultTimeoutMS: 120000},
	{Kind: "k8s.get", Service: "k8s", Action: "get", Idempotent: true, EstimatedDurationMS: 2000, DefaultTimeoutMS: 30000},

	{Kind: "helm.install", Service: "helm", Action: "install", Inverse: "helm.uninstall", EstimatedDurationMS: 30000, DefaultTimeoutMS: 300000},
	{Kind: "helm.upgrade", Service: "helm", Action: "upgrade", Inverse: "helm.rollback", EstimatedDurationMS: 30000, DefaultTimeoutMS: 300000},
	{Kind: "helm.uninstall", Service: "helm", Action: "uninstall", Destructive: true, Idempotent: true, EstimatedDurationMS: 15000, DefaultTimeoutMS: 180000},
	{Kind: "helm.rollback", Service: "helm", Action: "rollback", EstimatedDurationMS: 20000, DefaultTimeoutMS: 300000},
	{Kind: "helm.status", Service: "helm", Action: "status", Idempotent: true, EstimatedDurationMS: 2000, DefaultTimeoutMS: 30000},

	{Kind: "git.commit", Service: "git", Action: "commit", Inverse: "git.revert", EstimatedDurationMS: 1000, DefaultTimeoutMS: 30000},
	{Kind: "git.revert", Service: "git", Action: "revert", EstimatedDurationMS: 2000, DefaultTimeoutMS: 30000},
	{Kind: "git.push", Service: "git", Action: "push", Destructive: true, EstimatedDurationMS: 3000, DefaultTimeoutMS: 60000},

	// Engine-local kinds, served by registered LocalFuncs.
	{Kind: "safety.check", Service: "safety", Action: "check", Idempotent: true, EstimatedDurationMS: 500, DefaultTimeoutMS: 10000},
	{Kind: "policy.compare", Service: "safety", Action: "compare", Idempotent: true, EstimatedDurationMS: 1000, DefaultTimeoutMS: 30000},
	{Kind: "drift.detect", Service: "drift", Action: "detect", Idempotent: true, EstimatedDurationMS: 10000, DefaultTimeoutMS: 120000},
	{Kind: "compliance.report", Service: "drift", Action: "compliance", Idempotent: true, EstimatedDurationMS: 1000, DefaultTimeoutMS: 30000},
	{Kind: "checkpoint.load", Service: "state", Action: "load", Idempotent: true, EstimatedDurationMS: 500, DefaultTimeoutMS: 10000},
	{Kind: "rollback.derive", Service: "rollback", Action: "derive", Idempotent: true, EstimatedDurationMS: 1000, DefaultTimeoutMS: 30000},
	{Kind: "rollback.apply", Service: "rollback", Action: "apply", Destructive: true, EstimatedDurationMS: 60000, DefaultTimeoutMS: 900000},
}

// NewRegistry returns a registry seeded with the built-in kinds.
func NewRegistry() *Registry {
	r := &Registry{specs: make(map[string]Spec, len(builtins))}
	for _, spec := range builtins {
		r.specs[spec.Kind] = spec
	}
	return r
}

// Register adds a capability kind. Registering an already-known kind
// is a conflict.
func (r *Registry) Register(spec Spec) error {
	if spec.Kind == "" {
		return errors.BadInput("capability kind is required")
	}
	if spec.Service == "" || spec.Action == "" {
		return errors.BadInputf("capability %s needs service and action", spec.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[spec.Kind]; exists {
		return errors.Newf(errors.KindConflict, "capability %s already registered", spec.Kind)
	}
	r.specs[spec.Kind] = spec
	return nil
}

// Get returns the spec for a kind.
func (r *Registry) Get(kind string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[kind]
	return spec, ok
}

// Known reports whether the kind is registered.
func (r *Registry) Known(kind string) bool {
	_, ok := r.Get(kind)
	return ok
}

// Destructive reports whether the kind mutates infrastructure in a way
// that requires a pre-phase safety gate.
func (r *Registry) Destructive(kind string) bool {
	spec, ok := r.Get(kind)
	return ok && spec.Destructive
}

// Inverse returns the spec of the kind that undoes the given kind.
func (r *Registry) Inverse(kind string) (Spec, bool) {
	spec, ok := r.Get(kind)
	if !ok || spec.Inverse == "" {
		return Spec{}, false
	}
	return r.Get(spec.Inverse)
}

// Kinds returns all registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.specs))
	for kind := range r.specs {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Specs returns all registered specs ordered by kind.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]Spec, 0, len(r.specs))
	for _, spec := range r.specs {
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Kind < specs[j].Kind })
	return specs
}
