// Package ports allocates dev server ports from a bounded range, one per
// project.
package ports

import (
	"errors"
	"fmt"
	"sync"
)

var ErrNoAvailablePorts = errors.New("no available ports")

// Allocator maps projects to ports in [start, end].
type Allocator struct {
	start, end int

	mu      sync.Mutex
	byProj  map[string]int
	inUse   map[int]string
	onCount func(int)
}

// NewAllocator creates an allocator over the inclusive range [start, end].
func NewAllocator(start, end int) (*Allocator, error) {
	if start <= 0 || end < start || end > 65535 {
		return nil, fmt.Errorf("invalid port range %d-%d", start, end)
	}
	return &Allocator{
		start:  start,
		end:    end,
		byProj: make(map[string]int),
		inUse:  make(map[int]string),
	}, nil
}

// OnChange registers a callback receiving the allocation count after every
// change.
func (a *Allocator) OnChange(fn func(allocated int)) {
	a.mu.Lock()
	a.onCount = fn
	a.mu.Unlock()
}

// Allocate returns the project's existing port, or the lowest free port.
func (a *Allocator) Allocate(projectID string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port, ok := a.byProj[projectID]; ok {
		return port, nil
	}
	for port := a.start; port <= a.end; port++ {
		if _, taken := a.inUse[port]; taken {
			continue
		}
		a.byProj[projectID] = port
		a.inUse[port] = projectID
		a.notify()
		return port, nil
	}
	return 0, ErrNoAvailablePorts
}

// Release removes the project's allocation, if any.
func (a *Allocator) Release(projectID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	port, ok := a.byProj[projectID]
	if !ok {
		return
	}
	delete(a.byProj, projectID)
	delete(a.inUse, port)
	a.notify()
}

// Lookup returns the port held by projectID.
func (a *Allocator) Lookup(projectID string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	port, ok := a.byProj[projectID]
	return port, ok
}

// Len returns the number of allocations.
func (a *Allocator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.byProj)
}

func (a *Allocator) notify() {
	if a.onCount != nil {
		a.onCount(len(a.byProj))
	}
}
