package pva

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var ErrUnknownScheme = errors.New("unknown address scheme")

// Address is a parsed "<scheme>://<name>" channel address.
type Address struct {
	Scheme string
	Name   string
}

// ParseAddress splits a channel address into scheme and name.
func ParseAddress(s string) (Address, error) {
	scheme, name, ok := strings.Cut(s, "://")
	if !ok {
		return Address{}, fmt.Errorf("invalid address %q: missing scheme", s)
	}
	if scheme == "" {
		return Address{}, fmt.Errorf("invalid address %q: empty scheme", s)
	}
	if name == "" {
		return Address{}, fmt.Errorf("invalid address %q: empty name", s)
	}
	return Address{Scheme: strings.ToLower(scheme), Name: name}, nil
}

func (a Address) String() string {
	return a.Scheme + "://" + a.Name
}

// Registry maps address schemes to dialers.
type Registry struct {
	mu      sync.RWMutex
	dialers map[string]Dialer
}

func NewRegistry() *Registry {
	return &Registry{dialers: make(map[string]Dialer)}
}

// Register binds scheme to d, replacing any previous binding.
func (r *Registry) Register(scheme string, d Dialer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialers[strings.ToLower(scheme)] = d
}

// Lookup returns the dialer for scheme.
func (r *Registry) Lookup(scheme string) (Dialer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.dialers[strings.ToLower(scheme)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScheme, scheme)
	}
	return d, nil
}

// Schemes lists the registered schemes in sorted order.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemes := make([]string, 0, len(r.dialers))
	for s := range r.dialers {
		schemes = append(schemes, s)
	}
	sort.Strings(schemes)
	return schemes
}
