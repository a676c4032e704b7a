package remote

import (
	"sync"
	"sync/atomic"
)

// Connectivity is the online flag shown to the user. It is informational only.
type Connectivity struct {
	online atomic.Bool

	mu        sync.Mutex
	listeners map[int64]func(bool)
	nextID    int64
}

// NewConnectivity returns a flag with the given initial state.
func NewConnectivity(online bool) *Connectivity {
	connectivity := &Connectivity{listeners: make(map[int64]func(bool))}
	connectivity.online.Store(online)
	return connectivity
}

// Online reports the current state.
func (c *Connectivity) Online() bool {
	return c.online.Load()
}

// Set updates the flag and notifies listeners when it changes.
func (c *Connectivity) Set(online bool) {
	if c.online.Swap(online) == online {
		return
	}
	c.mu.Lock()
	listeners := make([]func(bool), 0, len(c.listeners))
	for _, listener := range c.listeners {
		listeners = append(listeners, listener)
	}
	c.mu.Unlock()
	for _, listener := range listeners {
		listener(online)
	}
}

// OnChange registers a listener and returns its cancel function.
func (c *Connectivity) OnChange(listener func(bool)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.listeners[id] = listener
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}
