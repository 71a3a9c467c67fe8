// Package fragment implements UDP packet fragmentation and reassembly
// (§4.2): splitting an outbound UDP payload into path-MTU-sized Packet
// fragments, and reassembling fragments arriving in any order back into the
// original payload.
package fragment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/postalsys/tuicd/internal/protocol"
)

// ErrRejected covers the reasons a fragment is refused with an error:
// disagreeing frag_total or frag_id >= frag_total (§4.2, §7
// FragmentRejected). A duplicate frag_id is dropped silently instead; see Add.
var ErrRejected = errors.New("fragment rejected")

// Key identifies a fragment-reassembly entry: the connection the datagram
// arrived on, the association it belongs to, and the sender's packet id.
type Key struct {
	ConnID  uint64
	AssocID uint16
	PktID   uint16
}

// entry is one in-progress reassembly.
type entry struct {
	fragTotal uint8
	received  uint8
	parts     [][]byte
	address   protocol.Address // from fragment 0
	firstSeen time.Time
}

// Assembler holds all in-progress reassemblies across every connection and
// association, plus the background sweep that expires stale ones.
type Assembler struct {
	mu      sync.Mutex
	entries map[Key]*entry

	gcInterval time.Duration
	gcLifetime time.Duration
	logger     *slog.Logger

	dropped uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an Assembler and starts its background GC sweep.
func New(gcInterval, gcLifetime time.Duration, logger *slog.Logger) *Assembler {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Assembler{
		entries:    make(map[Key]*entry),
		gcInterval: gcInterval,
		gcLifetime: gcLifetime,
		logger:     logger,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go a.sweepLoop(ctx)
	return a
}

// Close stops the background sweep.
func (a *Assembler) Close() {
	a.cancel()
	<-a.done
}

// DroppedCount returns the number of fragments dropped for GC or rejection
// since creation (§7: "Fragment-assembler errors ... increment a counter").
func (a *Assembler) DroppedCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Add folds one fragment into its reassembly entry (creating it on first
// arrival) and reports whether the packet is now complete. On completion it
// returns the concatenated payload and the fragment-0 address, and the
// entry is removed. Calling Add twice with the same (connID, assocID,
// pktID, fragID) is a no-op on the second call — duplicate delivery is
// idempotent, never delivering the payload twice (§8 Fragment idempotence).
func (a *Assembler) Add(connID uint64, p protocol.Packet) (payload []byte, addr protocol.Address, complete bool, err error) {
	if p.FragID >= p.FragTotal {
		a.incDropped()
		return nil, protocol.Address{}, false, fmt.Errorf("%w: frag_id %d >= frag_total %d", ErrRejected, p.FragID, p.FragTotal)
	}

	key := Key{ConnID: connID, AssocID: p.AssocID, PktID: p.PktID}

	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.entries[key]
	if !ok {
		e = &entry{
			fragTotal: p.FragTotal,
			parts:     make([][]byte, p.FragTotal),
			firstSeen: time.Now(),
		}
		a.entries[key] = e
	}

	if e.fragTotal != p.FragTotal {
		a.dropped++
		return nil, protocol.Address{}, false, fmt.Errorf("%w: frag_total mismatch %d != %d", ErrRejected, p.FragTotal, e.fragTotal)
	}

	if e.parts[p.FragID] != nil {
		// Duplicate fragment: already counted, nothing new to deliver.
		return nil, protocol.Address{}, false, nil
	}

	e.parts[p.FragID] = p.Payload
	e.received++
	if p.FragID == 0 {
		e.address = p.Address
	}

	if e.received < e.fragTotal {
		return nil, protocol.Address{}, false, nil
	}

	// Complete: concatenate in frag_id order and remove the entry.
	total := 0
	for _, part := range e.parts {
		total += len(part)
	}
	assembled := make([]byte, 0, total)
	for _, part := range e.parts {
		assembled = append(assembled, part...)
	}
	delete(a.entries, key)
	return assembled, e.address, true, nil
}

// RemoveSession drops every in-progress reassembly for an association that
// is being torn down (explicit Dissociate or connection close).
func (a *Assembler) RemoveSession(connID uint64, assocID uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key := range a.entries {
		if key.ConnID == connID && key.AssocID == assocID {
			delete(a.entries, key)
		}
	}
}

// RemoveConnection drops every in-progress reassembly belonging to a
// connection that has closed.
func (a *Assembler) RemoveConnection(connID uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key := range a.entries {
		if key.ConnID == connID {
			delete(a.entries, key)
		}
	}
}

func (a *Assembler) incDropped() {
	a.mu.Lock()
	a.dropped++
	a.mu.Unlock()
}

func (a *Assembler) sweepLoop(ctx context.Context) {
	defer close(a.done)

	if a.gcInterval <= 0 {
		return
	}
	ticker := time.NewTicker(a.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweep()
		}
	}
}

func (a *Assembler) sweep() {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := time.Now().Add(-a.gcLifetime)
	for key, e := range a.entries {
		if e.firstSeen.Before(cutoff) {
			delete(a.entries, key)
			a.dropped++
			if a.logger != nil {
				a.logger.Debug("fragment entry expired",
					"conn_id", key.ConnID,
					"assoc_id", key.AssocID,
					"pkt_id", key.PktID)
			}
		}
	}
}

// Capacity returns the maximum payload bytes a single Packet fragment may
// carry given path MTU m and the destination address that will ride on
// fragment 0 (§4.2: C = M − overhead(Address) − PacketHeaderSize).
func Capacity(mtu int, addr protocol.Address) int {
	c := mtu - addr.EncodedLen() - protocol.PacketHeaderSize
	if c < 1 {
		c = 1
	}
	return c
}

// Split fragments payload (addressed to addr) into one or more Packets
// ready for delivery, choosing frag_total/frag_id per §4.2. pktID is the
// sender-chosen packet identifier shared by every fragment.
func Split(assocID, pktID uint16, addr protocol.Address, payload []byte, mtu int) []protocol.Packet {
	c := Capacity(mtu, addr)
	if len(payload) <= c {
		return []protocol.Packet{{
			AssocID:   assocID,
			PktID:     pktID,
			FragTotal: 1,
			FragID:    0,
			Address:   addr,
			Payload:   payload,
		}}
	}

	fragTotal := (len(payload) + c - 1) / c
	if fragTotal > 255 {
		fragTotal = 255
	}
	packets := make([]protocol.Packet, 0, fragTotal)
	for i := 0; i < fragTotal; i++ {
		start := i * c
		end := start + c
		if end > len(payload) {
			end = len(payload)
		}
		a := protocol.Address{Type: protocol.AddrNone}
		if i == 0 {
			a = addr
		}
		packets = append(packets, protocol.Packet{
			AssocID:   assocID,
			PktID:     pktID,
			FragTotal: uint8(fragTotal),
			FragID:    uint8(i),
			Address:   a,
			Payload:   payload[start:end],
		})
	}
	return packets
}
