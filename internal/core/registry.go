package core

import (
	"fmt"
	"sort"
	"sync"
)

// PluginDeps is handed to plugin factories at build time. Factories take
// what they need and ignore the rest. Options carries per-database plugin
// settings from configuration (e.g. the allow-list table name).
type PluginDeps struct {
	Users   UserRepository
	Bans    BanRepository
	Audit   AuditRepository
	Options map[string]string
}

type (
	AuthenticatorFactory func(deps PluginDeps) (Authenticator, error)
	ManagerFactory       func(deps PluginDeps) (FirewallManager, error)
	TriggerFactory       func(deps PluginDeps) (Trigger, error)
	ListenerFactory      func(deps PluginDeps) (UpdateListener, error)
)

// Registry maps configuration names to plugin factories. It is populated
// explicitly at startup; an unknown name fails configuration loading
// rather than the first request that needs it.
type Registry struct {
	mu             sync.RWMutex
	authenticators map[string]AuthenticatorFactory
	managers       map[string]ManagerFactory
	triggers       map[string]TriggerFactory
	listeners      map[string]ListenerFactory
}

func NewRegistry() *Registry {
	return &Registry{
		authenticators: make(map[string]AuthenticatorFactory),
		managers:       make(map[string]ManagerFactory),
		triggers:       make(map[string]TriggerFactory),
		listeners:      make(map[string]ListenerFactory),
	}
}

func (r *Registry) RegisterAuthenticator(name string, f AuthenticatorFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.authenticators[name] = f
}

func (r *Registry) RegisterManager(name string, f ManagerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.managers[name] = f
}

func (r *Registry) RegisterTrigger(name string, f TriggerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers[name] = f
}

func (r *Registry) RegisterListener(name string, f ListenerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[name] = f
}

func (r *Registry) BuildAuthenticator(name string, deps PluginDeps) (Authenticator, error) {
	r.mu.RLock()
	f, ok := r.authenticators[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown authenticator %q (known: %v)", name, keysOf(r.authenticators))
	}
	return f(deps)
}

func (r *Registry) BuildManager(name string, deps PluginDeps) (FirewallManager, error) {
	r.mu.RLock()
	f, ok := r.managers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown firewall manager %q (known: %v)", name, keysOf(r.managers))
	}
	return f(deps)
}

func (r *Registry) BuildTrigger(name string, deps PluginDeps) (Trigger, error) {
	r.mu.RLock()
	f, ok := r.triggers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown trigger %q (known: %v)", name, keysOf(r.triggers))
	}
	return f(deps)
}

func (r *Registry) BuildListener(name string, deps PluginDeps) (UpdateListener, error) {
	r.mu.RLock()
	f, ok := r.listeners[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown update listener %q (known: %v)", name, keysOf(r.listeners))
	}
	return f(deps)
}

func keysOf[T any](m map[string]T) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
