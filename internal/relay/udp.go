package relay

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/quic-go/quic-go"

	"github.com/postalsys/tuicd/internal/fragment"
	"github.com/postalsys/tuicd/internal/logging"
	"github.com/postalsys/tuicd/internal/protocol"
	"github.com/postalsys/tuicd/internal/recovery"
)

// Mode is a UDP session's current outbound delivery transport, chosen by
// the most recent egress Packet's carrier (§4.5).
type Mode int

const (
	// ModeNative delivers ingress fragments as QUIC unreliable datagrams.
	ModeNative Mode = iota
	// ModeQUIC delivers ingress fragments each as their own uni-stream.
	ModeQUIC
)

// UDPConfig carries the UDP relay's tunables (§6).
type UDPConfig struct {
	MaxExternalPacketSize int
	RelayIPv6             bool
	MTU                   int
}

// Delivery is how a UDP session reaches back to its QUIC connection. It is
// satisfied by *transport.Conn.
type Delivery interface {
	SendDatagram(b []byte) error
	OpenUniStream() (quic.SendStream, error)
}

// UDPCounters receives byte counts for UDP traffic.
type UDPCounters interface {
	AddUDPTx(n uint64)
	AddUDPRx(n uint64)
}

// Session is one assoc_id's outbound UDP relay: up to two sockets (v4/v6,
// created lazily), the counter for server-originated ingress pkt_ids, and
// the transport mode to use for ingress delivery.
type Session struct {
	AssocID uint16

	cfg      UDPConfig
	delivery Delivery
	counters UDPCounters
	logger   *slog.Logger

	mu   sync.Mutex
	v4   *net.UDPConn
	v6   *net.UDPConn
	mode atomic.Int32

	pktID atomic.Uint32

	closeOnce sync.Once
	closed    chan struct{}
}

// NewSession creates a UDP relay session for one assoc_id. It does not open
// any socket until the first egress packet picks an address family.
func NewSession(assocID uint16, cfg UDPConfig, delivery Delivery, counters UDPCounters, logger *slog.Logger) *Session {
	s := &Session{
		AssocID:  assocID,
		cfg:      cfg,
		delivery: delivery,
		counters: counters,
		logger:   logger,
		closed:   make(chan struct{}),
	}
	s.mode.Store(int32(ModeNative))
	return s
}

// SetMode records which carrier the most recent egress Packet used, per the
// most-recent-ingress rule (§4.5).
func (s *Session) SetMode(m Mode) { s.mode.Store(int32(m)) }

func (s *Session) currentMode() Mode { return Mode(s.mode.Load()) }

// Send transmits an assembled UDP payload to dest, lazily creating the
// address-family-appropriate socket and starting its ingress read loop
// (§4.5 Egress).
func (s *Session) Send(dest protocol.Address) func(payload []byte) error {
	return func(payload []byte) error {
		conn, err := s.socketFor(dest)
		if err != nil {
			return err
		}

		udpAddr, err := resolveUDP(dest, s.cfg.RelayIPv6)
		if err != nil {
			return err
		}

		n, err := conn.WriteToUDP(payload, udpAddr)
		if err != nil {
			return fmt.Errorf("udp send: %w", err)
		}
		s.counters.AddUDPTx(uint64(n))
		return nil
	}
}

func resolveUDP(addr protocol.Address, allowV6 bool) (*net.UDPAddr, error) {
	switch addr.Type {
	case protocol.AddrDomain:
		network := "udp4"
		if allowV6 {
			network = "udp"
		}
		resolved, err := net.ResolveUDPAddr(network, net.JoinHostPort(addr.Domain, fmt.Sprint(addr.Port)))
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", addr.Domain, err)
		}
		return resolved, nil
	default:
		return &net.UDPAddr{IP: addr.IP, Port: int(addr.Port)}, nil
	}
}

// socketFor returns the socket for dest's address family, creating it (and
// starting its ingress loop) on first use (§4.5: "if udp_relay_ipv6=false,
// always IPv4 ... else select by address family").
func (s *Session) socketFor(dest protocol.Address) (*net.UDPConn, error) {
	isV6 := dest.Type == protocol.AddrIPv6 && s.cfg.RelayIPv6

	s.mu.Lock()
	defer s.mu.Unlock()

	if isV6 {
		if s.v6 != nil {
			return s.v6, nil
		}
		conn, err := net.ListenUDP("udp6", &net.UDPAddr{IP: net.IPv6unspecified, Port: 0})
		if err != nil {
			return nil, fmt.Errorf("open ipv6 relay socket: %w", err)
		}
		s.v6 = conn
		go s.ingressLoop(conn)
		return conn, nil
	}

	if s.v4 != nil {
		return s.v4, nil
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("open ipv4 relay socket: %w", err)
	}
	s.v4 = conn
	go s.ingressLoop(conn)
	return conn, nil
}

// ingressLoop reads datagrams from one outbound socket, fragments each
// against the path MTU, and delivers it per the session's current mode
// (§4.5 Ingress).
func (s *Session) ingressLoop(conn *net.UDPConn) {
	defer recovery.RecoverWithCallback(s.logger, "relay.Session.ingressLoop", func(any) {
		// A dead ingress loop leaves this socket orphaned; release it and
		// the session's other socket rather than leaking both.
		s.Close()
	})

	buf := make([]byte, s.cfg.MaxExternalPacketSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		select {
		case <-s.closed:
			return
		default:
		}
		if err != nil {
			return
		}

		payload := buf[:n]
		truncated := false
		if n >= s.cfg.MaxExternalPacketSize {
			truncated = true
		}
		s.counters.AddUDPRx(uint64(n))

		addr := addressFromUDP(from)
		pktID := uint16(s.pktID.Add(1))

		fragments := fragment.Split(s.AssocID, pktID, addr, payload, s.cfg.MTU)
		if err := s.deliver(fragments); err != nil {
			s.logger.Debug("udp ingress delivery failed",
				logging.KeyAssocID, s.AssocID,
				logging.KeyError, err)
		}
		if truncated {
			s.logger.Warn("udp ingress datagram truncated",
				logging.KeyAssocID, s.AssocID,
				"size", n)
		}
	}
}

func addressFromUDP(addr *net.UDPAddr) protocol.Address {
	if ip4 := addr.IP.To4(); ip4 != nil {
		return protocol.Address{Type: protocol.AddrIPv4, IP: ip4, Port: uint16(addr.Port)}
	}
	return protocol.Address{Type: protocol.AddrIPv6, IP: addr.IP.To16(), Port: uint16(addr.Port)}
}

func (s *Session) deliver(fragments []protocol.Packet) error {
	switch s.currentMode() {
	case ModeNative:
		for _, f := range fragments {
			if err := s.delivery.SendDatagram(f.Encode()); err != nil {
				return err
			}
		}
	case ModeQUIC:
		for _, f := range fragments {
			stream, err := s.delivery.OpenUniStream()
			if err != nil {
				return err
			}
			if _, err := stream.Write(f.Encode()); err != nil {
				stream.Close()
				return err
			}
			stream.Close()
		}
	}
	return nil
}

// Close releases both outbound sockets and stops ingress delivery
// (§4.5 Dissociate).
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		if s.v4 != nil {
			s.v4.Close()
		}
		if s.v6 != nil {
			s.v6.Close()
		}
		s.mu.Unlock()
	})
}

// Sessions tracks every live UDP session for one connection, keyed by
// assoc_id (§8 Session uniqueness).
type Sessions struct {
	mu   sync.Mutex
	byID map[uint16]*Session
}

// NewSessions creates an empty session table.
func NewSessions() *Sessions {
	return &Sessions{byID: make(map[uint16]*Session)}
}

// GetOrCreate returns the session for assocID, creating it via factory if
// absent.
func (s *Sessions) GetOrCreate(assocID uint16, factory func() *Session) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.byID[assocID]; ok {
		return sess
	}
	sess := factory()
	s.byID[assocID] = sess
	return sess
}

// Remove closes and removes assocID's session, if present (§4.5 Dissociate).
func (s *Sessions) Remove(assocID uint16) {
	s.mu.Lock()
	sess, ok := s.byID[assocID]
	if ok {
		delete(s.byID, assocID)
	}
	s.mu.Unlock()
	if ok {
		sess.Close()
	}
}

// CloseAll tears down every session, e.g. on connection close.
func (s *Sessions) CloseAll() {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.byID))
	for _, sess := range s.byID {
		sessions = append(sessions, sess)
	}
	s.byID = make(map[uint16]*Session)
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
}

// Count returns the number of live sessions.
func (s *Sessions) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}
