package fiber

import "sync"

// HostKeepAlive is the host-side hibernation lock. Acquire tells the host
// "do not hibernate this instance" and returns a disposer that releases the
// lock. Outside an actor platform this is typically a no-op.
type HostKeepAlive interface {
	Acquire() (release func())
}

// KeepAliveGuard is a reference-counted hibernation guard owned by the
// scheduler. Start increments the count and stores the disposer from the
// host, overwriting any previous one; Stop decrements and invokes only the
// most-recently-stored disposer, regardless of how many Start calls preceded
// it. Latest-disposer-wins is the intentional contract, not an accident.
type KeepAliveGuard struct {
	host     HostKeepAlive
	count    int
	disposer func()
	mu       sync.Mutex
}

// NewKeepAliveGuard creates a guard. A nil host is allowed and makes the
// guard a pure counter.
func NewKeepAliveGuard(host HostKeepAlive) *KeepAliveGuard {
	return &KeepAliveGuard{host: host}
}

// Start increments the active count and records the latest disposer.
func (g *KeepAliveGuard) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.count++
	if g.host != nil {
		g.disposer = g.host.Acquire()
	}
}

// Stop decrements the active count and invokes the latest stored disposer.
func (g *KeepAliveGuard) Stop() {
	g.mu.Lock()
	disposer := g.disposer
	g.disposer = nil
	if g.count > 0 {
		g.count--
	}
	g.mu.Unlock()

	if disposer != nil {
		disposer()
	}
}

// Active returns the current reference count.
func (g *KeepAliveGuard) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}
