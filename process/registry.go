package process

import (
	"context"
	"fmt"
	"sync"

	"github.com/dnx-rtos/dnxcore/errno"
)

// Main is a registered program's entry point, given the tokenized
// argument vector; it returns the process exit code the way a C
// program's main would return an int.
type Main func(ctx context.Context, argc int, argv []string) int

// ProgramInfo is one static program-table entry: a name, its entry
// point, the zero-initialized globals block size it needs, and the
// stack depth to reserve for its task.
type ProgramInfo struct {
	Name        string
	Entry       Main
	GlobalsSize int
	StackDepth  int
}

// Registry is the statically registered program table: each program
// registers itself into an explicit Registry instance rather than a
// package-level global, the way this module's driver and VFS
// subsystems also avoid global mutable state.
type Registry struct {
	mu       sync.RWMutex
	programs map[string]ProgramInfo
}

// NewRegistry creates an empty program registry.
func NewRegistry() *Registry {
	return &Registry{programs: make(map[string]ProgramInfo)}
}

// Register adds info to the table. Returns EEXIST if a program of that
// name is already registered.
func (r *Registry) Register(info ProgramInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.programs[info.Name]; exists {
		return fmt.Errorf("process: program %q already registered: %w", info.Name, errno.EEXIST)
	}
	r.programs[info.Name] = info
	return nil
}

// Lookup finds a program by name; the name set is expected to stay
// small, so a linear scan under a read lock is sufficient. Returns
// ENOENT on miss.
func (r *Registry) Lookup(name string) (ProgramInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for n, info := range r.programs {
		if n == name {
			return info, nil
		}
	}
	return ProgramInfo{}, errno.ENOENT
}

// Names returns every registered program name, for listing tools like
// cmd/dnxsim.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.programs))
	for n := range r.programs {
		names = append(names, n)
	}
	return names
}
