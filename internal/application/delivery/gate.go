// Package delivery tracks in-flight subscriber callbacks so a component can
// stop and know that none of them is still running.
package delivery

import "sync"

// Gate admits callbacks until it is closed. The zero value is open.
type Gate struct {
	mu     sync.Mutex
	idle   *sync.Cond
	closed bool
	active int
}

// Enter reports whether a callback may run. Every true result must be paired
// with Leave.
func (g *Gate) Enter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.active++
	return true
}

func (g *Gate) Leave() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active--
	if g.active == 0 && g.idle != nil {
		g.idle.Broadcast()
	}
}

// Run calls fn when the gate admits it and reports whether it ran.
func (g *Gate) Run(fn func()) bool {
	if !g.Enter() {
		return false
	}
	defer g.Leave()
	fn()
	return true
}

// Close refuses new callbacks and waits for running ones to return. It must
// not be called from inside a callback admitted by the same gate; use Seal there.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	for g.active > 0 {
		if g.idle == nil {
			g.idle = sync.NewCond(&g.mu)
		}
		g.idle.Wait()
	}
}

// Seal refuses new callbacks without waiting for running ones.
func (g *Gate) Seal() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

// Open admits callbacks again after Close or Seal.
func (g *Gate) Open() {
	g.mu.Lock()
	g.closed = false
	g.mu.Unlock()
}

// Active is the number of callbacks currently running.
func (g *Gate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}
