// Package backend selects the local HAL platform a server exposes.
package backend

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/samcharles93/muxhal/internal/cpu"
	"github.com/samcharles93/muxhal/pkg/hal"
)

const (
	CPU  = "cpu"
	Auto = "auto"
)

// Factory builds a platform from the shared CPU-style configuration.
type Factory func(cfg cpu.Config) (hal.HAL, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{
		CPU: func(cfg cpu.Config) (hal.HAL, error) { return cpu.NewPlatform(cfg), nil },
	}
)

// Register adds a named platform factory. It panics if name is taken, in the
// manner of database/sql.Register.
func Register(name string, f Factory) {
	name = strings.ToLower(strings.TrimSpace(name))
	mu.Lock()
	defer mu.Unlock()
	if f == nil {
		panic("backend: Register factory is nil")
	}
	if _, dup := factories[name]; dup || name == Auto || name == "" {
		panic("backend: Register called twice for " + name)
	}
	factories[name] = f
}

// Normalize canonicalises a backend name. The empty string means Auto.
func Normalize(name string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(name))
	if backend == "" || backend == Auto {
		return Auto, nil
	}
	mu.RLock()
	_, ok := factories[backend]
	mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown backend %q (expected %s)", backend, strings.Join(append([]string{Auto}, Names()...), ", "))
	}
	return backend, nil
}

// Names lists the registered backends.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// New returns the platform named by name. Auto resolves to the CPU.
func New(name string, cfg cpu.Config) (hal.HAL, error) {
	n, err := Normalize(name)
	if err != nil {
		return nil, err
	}
	if n == Auto {
		n = CPU
	}
	mu.RLock()
	f := factories[n]
	mu.RUnlock()
	return f(cfg)
}
