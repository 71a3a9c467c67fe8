// Package registry implements the session registry (§4.6): process-wide
// state tracking which connections are authenticated as which user, with
// per-user fine-grained locking so concurrent authentications on different
// users never contend on a single mutex.
package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/tuicd/internal/userid"
)

// Closer terminates a connection with an administrative reason. Supplied by
// the connection supervisor when a connection is added, so the registry
// never needs to know about the transport layer.
type Closer func(reason string)

// Connection is the registry's view of one authenticated connection: enough
// to answer admin enumeration and to kick it.
type Connection struct {
	ID         uint64
	User       userid.UUID
	RemoteAddr string
	ConnectedAt time.Time

	close Closer

	tcpTX atomic.Uint64
	tcpRX atomic.Uint64
	udpTX atomic.Uint64
	udpRX atomic.Uint64
}

// AddTCPTx/AddTCPRx/AddUDPTx/AddUDPRx update the connection's traffic
// counters (§4.4, §4.5: "Byte counts are added to the connection's
// counters").
func (c *Connection) AddTCPTx(n uint64) { c.tcpTX.Add(n) }
func (c *Connection) AddTCPRx(n uint64) { c.tcpRX.Add(n) }
func (c *Connection) AddUDPTx(n uint64) { c.udpTX.Add(n) }
func (c *Connection) AddUDPRx(n uint64) { c.udpRX.Add(n) }

// Traffic is a point-in-time snapshot of one connection's byte counters.
type Traffic struct {
	TCPTx, TCPRx uint64
	UDPTx, UDPRx uint64
}

func (c *Connection) traffic() Traffic {
	return Traffic{
		TCPTx: c.tcpTX.Load(),
		TCPRx: c.tcpRX.Load(),
		UDPTx: c.udpTX.Load(),
		UDPRx: c.udpRX.Load(),
	}
}

// limitError is returned by Add when maximum_clients_per_user is exceeded
// (§4.6, surfaced by the auth gate as AuthFailed).
type limitError struct{ user userid.UUID }

func (e *limitError) Error() string { return "user connection limit reached: " + e.user.String() }

// IsLimitReached reports whether err is the error Add returns when a user is
// already at maximum_clients_per_user. There is no exported sentinel value.
func IsLimitReached(err error) bool {
	_, ok := err.(*limitError)
	return ok
}

// userBucket holds every connection for one user behind its own mutex, so
// that concurrent auths for distinct users never contend (§5 "per-user
// fine-grained exclusion").
type userBucket struct {
	mu    sync.Mutex
	conns map[uint64]*Connection

	// residual accumulates the traffic of connections that have already
	// disconnected, so enumerate() need not retain dead Connection values
	// (§4.6: "plus a residual accumulator updated on disconnect").
	residual Traffic
}

// Registry is the process-wide session registry.
type Registry struct {
	maxPerUser int

	mu      sync.RWMutex // guards the buckets map itself, not its contents
	buckets map[userid.UUID]*userBucket
}

// New creates a Registry. maxPerUser <= 0 means unlimited connections per
// user.
func New(maxPerUser int) *Registry {
	return &Registry{
		maxPerUser: maxPerUser,
		buckets:    make(map[userid.UUID]*userBucket),
	}
}

func (r *Registry) bucket(user userid.UUID) *userBucket {
	r.mu.RLock()
	b, ok := r.buckets[user]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok = r.buckets[user]
	if !ok {
		b = &userBucket{conns: make(map[uint64]*Connection)}
		r.buckets[user] = b
	}
	return b
}

// Add registers a newly authenticated connection. It rejects the connection
// with an error if maximum_clients_per_user is configured and already
// reached (§4.6).
func (r *Registry) Add(id uint64, user userid.UUID, remoteAddr string, closer Closer) (*Connection, error) {
	b := r.bucket(user)

	b.mu.Lock()
	defer b.mu.Unlock()

	if r.maxPerUser > 0 && len(b.conns) >= r.maxPerUser {
		return nil, &limitError{user: user}
	}

	c := &Connection{
		ID:          id,
		User:        user,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
		close:       closer,
	}
	b.conns[id] = c
	return c, nil
}

// Remove unregisters a connection on close, folding its final traffic
// counters into the user's residual accumulator.
func (r *Registry) Remove(user userid.UUID, id uint64) {
	b := r.bucket(user)

	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.conns[id]
	if !ok {
		return
	}
	delete(b.conns, id)

	t := c.traffic()
	b.residual.TCPTx += t.TCPTx
	b.residual.TCPRx += t.TCPRx
	b.residual.UDPTx += t.UDPTx
	b.residual.UDPRx += t.UDPRx
}

// Count returns the number of live connections for a user.
func (r *Registry) Count(user userid.UUID) int {
	b := r.bucket(user)
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// UserSummary is one row of Enumerate's result.
type UserSummary struct {
	User      userid.UUID
	Online    int
	Endpoints []string
	Traffic   Traffic
}

// Enumerate returns a per-user summary of live connections and lazily
// aggregated traffic totals (§4.6).
func (r *Registry) Enumerate() []UserSummary {
	r.mu.RLock()
	users := make([]userid.UUID, 0, len(r.buckets))
	bkts := make([]*userBucket, 0, len(r.buckets))
	for u, b := range r.buckets {
		users = append(users, u)
		bkts = append(bkts, b)
	}
	r.mu.RUnlock()

	out := make([]UserSummary, 0, len(users))
	for i, u := range users {
		b := bkts[i]
		b.mu.Lock()
		summary := UserSummary{User: u, Online: len(b.conns), Traffic: b.residual}
		for _, c := range b.conns {
			summary.Endpoints = append(summary.Endpoints, c.RemoteAddr)
			t := c.traffic()
			summary.Traffic.TCPTx += t.TCPTx
			summary.Traffic.TCPRx += t.TCPRx
			summary.Traffic.UDPTx += t.UDPTx
			summary.Traffic.UDPRx += t.UDPRx
		}
		b.mu.Unlock()
		out = append(out, summary)
	}
	return out
}

// ResetTraffic zeroes every user's traffic counters, live and residual.
// Live connections keep relaying; only the reported totals reset.
func (r *Registry) ResetTraffic() {
	r.mu.RLock()
	bkts := make([]*userBucket, 0, len(r.buckets))
	for _, b := range r.buckets {
		bkts = append(bkts, b)
	}
	r.mu.RUnlock()

	for _, b := range bkts {
		b.mu.Lock()
		b.residual = Traffic{}
		for _, c := range b.conns {
			c.tcpTX.Store(0)
			c.tcpRX.Store(0)
			c.udpTX.Store(0)
			c.udpRX.Store(0)
		}
		b.mu.Unlock()
	}
}

// Kick closes every live connection belonging to any of the given users and
// reports how many connections were closed (§4.6, E2E scenario 5).
func (r *Registry) Kick(users []userid.UUID) int {
	closed := 0
	for _, u := range users {
		b := r.bucket(u)
		b.mu.Lock()
		conns := make([]*Connection, 0, len(b.conns))
		for _, c := range b.conns {
			conns = append(conns, c)
		}
		b.mu.Unlock()

		for _, c := range conns {
			if c.close != nil {
				c.close("kicked by administrator")
			}
			closed++
		}
	}
	return closed
}

// TotalOnline returns the total number of live connections across all users.
func (r *Registry) TotalOnline() int {
	r.mu.RLock()
	bkts := make([]*userBucket, 0, len(r.buckets))
	for _, b := range r.buckets {
		bkts = append(bkts, b)
	}
	r.mu.RUnlock()

	total := 0
	for _, b := range bkts {
		b.mu.Lock()
		total += len(b.conns)
		b.mu.Unlock()
	}
	return total
}
