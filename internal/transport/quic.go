// Package transport wraps the quic-go listener and connection types the
// TUIC session engine needs: bidirectional streams, unidirectional streams,
// and unreliable datagrams, plus the TLS 1.3 exporter used by authentication.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// Congestion controller identifiers accepted in configuration (§6).
const (
	CongestionCubic   = "cubic"
	CongestionNewReno = "new_reno"
	CongestionBBR     = "bbr"
)

// Config carries the QUIC transport knobs from §6.
type Config struct {
	InitialMTU              uint16
	MinMTU                  uint16
	SendWindow              uint64
	ReceiveWindow           uint64
	MaxIdleTime             time.Duration
	GSO                     bool
	PMTUDiscovery           bool
	CongestionController    string
	InitialCongestionWindow uint32
	ZeroRTT                 bool
	ALPN                    []string
}

// quicConfig builds a *quic.Config from a Config, applying the defaults the
// spec calls out (initial/min MTU floor of 1200, PMTU discovery on request).
//
// Two of the six §6 transport knobs have no public quic-go equivalent to
// thread through: GSO is auto-detected from the OS/socket at send time with
// no Config field to disable it, and the congestion controller is a fixed
// internal implementation with no pluggable interface exposed outside the
// module (confirmed against every quic.Config usage in the retrieved
// example pack — none exposes either knob). gso,
// congestion_controller and initial_congestion_window are still accepted
// and validated by configuration (§6) so a config file written against the
// full spec loads cleanly; they stop being actionable at this function's
// boundary. See DESIGN.md for the full rationale.
func (c Config) quicConfig() *quic.Config {
	initialMTU := c.InitialMTU
	if initialMTU < 1200 {
		initialMTU = 1200
	}
	minMTU := c.MinMTU
	if minMTU < 1200 {
		minMTU = 1200
	}
	if initialMTU < minMTU {
		// quic-go has no floor distinct from the initial packet size it
		// starts path MTU discovery from, so min_mtu is enforced by
		// raising the initial size to meet it.
		initialMTU = minMTU
	}

	cfg := &quic.Config{
		MaxIdleTimeout:          c.MaxIdleTime,
		InitialPacketSize:       initialMTU,
		EnableDatagrams:         true,
		MaxIncomingStreams:      1 << 20,
		MaxIncomingUniStreams:   1 << 20,
		DisablePathMTUDiscovery: !c.PMTUDiscovery,
		Allow0RTT:               c.ZeroRTT,
	}
	if c.ReceiveWindow > 0 {
		cfg.InitialStreamReceiveWindow = c.ReceiveWindow
		cfg.InitialConnectionReceiveWindow = c.ReceiveWindow
	}
	if c.SendWindow > 0 {
		// quic-go has no local send-window knob: how fast this endpoint
		// may send is bounded by the peer's advertised receive window, not
		// a setting of our own. send_window is applied as the ceiling
		// quic-go's flow-control auto-tuning may grow our advertised
		// receive windows to, which is the closest lever this stack
		// exposes over how much data the peer keeps in flight toward us.
		cfg.MaxStreamReceiveWindow = c.SendWindow
		cfg.MaxConnectionReceiveWindow = c.SendWindow
	}
	return cfg
}

// Listener accepts incoming QUIC connections carrying TUIC traffic.
type Listener struct {
	ln *quic.Listener
}

// Listen starts a QUIC/TLS1.3 listener on addr.
func Listen(addr string, tlsConf *tls.Config, cfg Config) (*Listener, error) {
	if tlsConf == nil {
		return nil, fmt.Errorf("transport: TLS config is required")
	}
	tlsConf = tlsConf.Clone()
	if len(tlsConf.NextProtos) == 0 {
		if len(cfg.ALPN) > 0 {
			tlsConf.NextProtos = cfg.ALPN
		} else {
			tlsConf.NextProtos = []string{"h3"}
		}
	}
	tlsConf.MinVersion = tls.VersionTLS13

	ln, err := quic.ListenAddr(addr, tlsConf, cfg.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic listen: %w", err)
	}
	return &Listener{ln: ln}, nil
}

// Accept waits for and returns the next QUIC connection.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	c, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return &Conn{conn: c}, nil
}

// Addr returns the listener's local address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops the listener.
func (l *Listener) Close() error { return l.ln.Close() }

// Conn wraps a single QUIC connection from a TUIC client.
type Conn struct {
	conn quic.Connection
}

// AcceptStream waits for the next client-opened bidirectional stream.
func (c *Conn) AcceptStream(ctx context.Context) (quic.Stream, error) {
	return c.conn.AcceptStream(ctx)
}

// AcceptUniStream waits for the next client-opened unidirectional stream.
func (c *Conn) AcceptUniStream(ctx context.Context) (quic.ReceiveStream, error) {
	return c.conn.AcceptUniStream(ctx)
}

// OpenUniStream opens a server-originated unidirectional stream, used to
// deliver quic-mode UDP ingress fragments to the client.
func (c *Conn) OpenUniStream() (quic.SendStream, error) {
	return c.conn.OpenUniStreamSync(context.Background())
}

// ReceiveDatagram waits for the next unreliable datagram from the client.
func (c *Conn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	return c.conn.ReceiveDatagram(ctx)
}

// SendDatagram sends an unreliable datagram to the client (native-mode UDP
// ingress).
func (c *Conn) SendDatagram(b []byte) error {
	return c.conn.SendDatagram(b)
}

// RemoteAddr returns the client's observed network address.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// ExportKeyingMaterial derives TLS 1.3 exported keying material bound to
// this connection's session, label, and context — the basis of §4.3
// authentication.
func (c *Conn) ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error) {
	state := c.conn.ConnectionState()
	return state.TLS.ExportKeyingMaterial(label, context, length)
}

// CloseWithError terminates the connection with a TUIC-level application
// error code and human-readable reason.
func (c *Conn) CloseWithError(code uint64, reason string) error {
	return c.conn.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

// Context returns a context that is cancelled when the connection closes.
func (c *Conn) Context() context.Context {
	return c.conn.Context()
}
