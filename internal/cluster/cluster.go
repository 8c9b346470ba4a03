// Package cluster implements the Cluster Registry: a declarative,
// startup-loaded environment -> nodes map, plus the in-memory current
// health and current-version bookkeeping the pipeline consults and
// updates. Cluster membership beyond this static map is
// explicitly out of scope.
package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kubedeploy/orchestrator/internal/domain"
)

// NodeSpec is the declarative, startup-supplied description of one node.
type NodeSpec struct {
	ID          string            `mapstructure:"id" yaml:"id"`
	Hostname    string            `mapstructure:"hostname" yaml:"hostname"`
	Environment string            `mapstructure:"environment" yaml:"environment"`
	Pool        string            `mapstructure:"pool" yaml:"pool"`
	Versions    map[string]string `mapstructure:"versions" yaml:"versions"`
}

// Registry is the facade: ListNodes/GetNode/UpdateHealth plus the
// post-deploy version commit the pipeline's Commit stage calls.
type Registry struct {
	mu         sync.RWMutex
	nodes      map[string]*domain.Node
	byEnv      map[domain.Environment][]string
	activePool map[domain.Environment]string
}

// NewFromSpecs builds a Registry from a declarative node list, the shape
// loaded from configuration at startup.
func NewFromSpecs(specs []NodeSpec) (*Registry, error) {
	r := &Registry{
		nodes: make(map[string]*domain.Node, len(specs)),
		byEnv: make(map[domain.Environment][]string),
	}
	for _, s := range specs {
		env := domain.Environment(s.Environment)
		if !env.Valid() {
			return nil, fmt.Errorf("cluster: node %q has unknown environment %q", s.ID, s.Environment)
		}
		versions := make(map[domain.ModuleName]domain.Version, len(s.Versions))
		for mod, ver := range s.Versions {
			v, err := domain.ParseVersion(ver)
			if err != nil {
				return nil, fmt.Errorf("cluster: node %q module %q: %w", s.ID, mod, err)
			}
			versions[domain.ModuleName(mod)] = v
		}
		r.nodes[s.ID] = &domain.Node{
			ID:              s.ID,
			Hostname:        s.Hostname,
			Environment:     env,
			Pool:            s.Pool,
			CurrentVersions: versions,
			Health:          domain.HealthUnknown,
		}
		r.byEnv[env] = append(r.byEnv[env], s.ID)
	}
	return r, nil
}

// ListNodes returns all nodes registered for env, optionally filtered to a
// single pool (used by Blue/Green; "" returns every node in env).
func (r *Registry) ListNodes(_ context.Context, env domain.Environment, pool string) ([]*domain.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byEnv[env]
	out := make([]*domain.Node, 0, len(ids))
	for _, id := range ids {
		n := r.nodes[id]
		if pool != "" && n.Pool != pool {
			continue
		}
		cp := *n
		cp.CurrentVersions = cloneVersions(n.CurrentVersions)
		out = append(out, &cp)
	}
	return out, nil
}

// GetNode returns a single node by ID.
func (r *Registry) GetNode(_ context.Context, id string) (*domain.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return nil, domain.ErrNodeNotFound
	}
	cp := *n
	cp.CurrentVersions = cloneVersions(n.CurrentVersions)
	return &cp, nil
}

// UpdateHealth records the latest observed health for a node.
func (r *Registry) UpdateHealth(_ context.Context, nodeID string, status domain.NodeHealthStatus, ts time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return domain.ErrNodeNotFound
	}
	n.Health = status
	n.LastHeartbeat = ts
	return nil
}

// CommitVersion updates a node's current version for module, called only
// by the pipeline's post-deploy Commit stage.
func (r *Registry) CommitVersion(_ context.Context, nodeID string, module domain.ModuleName, version domain.Version) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return domain.ErrNodeNotFound
	}
	if n.CurrentVersions == nil {
		n.CurrentVersions = make(map[domain.ModuleName]domain.Version)
	}
	n.CurrentVersions[module] = version
	return nil
}

// ActivePool returns which logical pool ("blue" or "green") is currently
// serving traffic in env, a precondition Blue/Green requires. Unused by environments that don't run Blue/Green.
func (r *Registry) ActivePool(_ context.Context, env domain.Environment) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	active, ok := r.activePool[env]
	if !ok {
		return "blue", nil
	}
	return active, nil
}

// SwitchActivePool atomically flips the active pointer for env. Callers
// are expected to hold the deploy lock for (env, module) while calling
// this.
func (r *Registry) SwitchActivePool(_ context.Context, env domain.Environment, newActive string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activePool == nil {
		r.activePool = make(map[domain.Environment]string)
	}
	r.activePool[env] = newActive
	return nil
}

func cloneVersions(in map[domain.ModuleName]domain.Version) map[domain.ModuleName]domain.Version {
	out := make(map[domain.ModuleName]domain.Version, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
