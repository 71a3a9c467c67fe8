package server

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/postalsys/tuicd/internal/logging"
	"github.com/postalsys/tuicd/internal/metrics"
	"github.com/postalsys/tuicd/internal/protocol"
	"github.com/postalsys/tuicd/internal/recovery"
	"github.com/postalsys/tuicd/internal/registry"
	"github.com/postalsys/tuicd/internal/relay"
	"github.com/postalsys/tuicd/internal/transport"
	"github.com/postalsys/tuicd/internal/userid"
)

// trafficCounters forwards relay byte counts to both the per-user registry
// connection (§4.6 traffic totals) and the process-wide metrics (global
// throughput series), so a single relay copy loop feeds both without either
// package depending on the other.
type trafficCounters struct {
	reg *registry.Connection
	m   *metrics.Metrics
}

func (t trafficCounters) AddTCPTx(n uint64) {
	t.reg.AddTCPTx(n)
	t.m.BytesSent.WithLabelValues("tcp").Add(float64(n))
}

func (t trafficCounters) AddTCPRx(n uint64) {
	t.reg.AddTCPRx(n)
	t.m.BytesReceived.WithLabelValues("tcp").Add(float64(n))
}

func (t trafficCounters) AddUDPTx(n uint64) {
	t.reg.AddUDPTx(n)
	t.m.BytesSent.WithLabelValues("udp").Add(float64(n))
}

func (t trafficCounters) AddUDPRx(n uint64) {
	t.reg.AddUDPRx(n)
	t.m.BytesReceived.WithLabelValues("udp").Add(float64(n))
}

// Application-level QUIC close codes (§7 error kinds, mapped onto the wire).
const (
	codeNormal        uint64 = 0x00
	codeAuthFailed    uint64 = 0x01
	codeProtocolError uint64 = 0x02
	codeIdleTimeout   uint64 = 0x03
	codeAdminClose    uint64 = 0x04
	codeRateLimited   uint64 = 0x05
)

// streamErrMalformed is the per-stream reset code used when a single
// carrier's command fails to decode; it does not close the connection
// (§7: "per-stream decode errors abandon that stream only").
const streamErrMalformed quic.StreamErrorCode = 0x01

// adminKickGracePeriod is how long a connection closed via the admin kick
// endpoint is allowed to keep relaying before the transport is actually torn
// down, so an in-flight TCP response the client already started reading has
// a chance to finish instead of being truncated (SUPPLEMENTED FEATURES:
// "graceful drain on administrative kick"). Every other close reason tears
// the transport down immediately.
const adminKickGracePeriod = 2 * time.Second

// authState is the per-connection authentication state machine (§4.7).
type authState int32

const (
	stateAwaitingAuth authState = iota
	stateAuthenticated
	stateClosed
)

type pendingBidi struct {
	cmd    protocol.Command
	stream quic.Stream
}

type pendingUni struct {
	cmd protocol.Command
}

type pendingDatagram struct {
	cmd protocol.Command
}

// connection is one accepted QUIC connection and the state its three
// ingress pumps share.
type connection struct {
	id     uint64
	srv    *Server
	conn   *transport.Conn
	logger *slog.Logger

	sessions *relay.Sessions

	mu              sync.Mutex
	state           authState
	user            userid.UUID
	regConn         *registry.Connection
	bidiBacklog     []pendingBidi
	uniBacklog      []pendingUni
	datagramBacklog []pendingDatagram

	lastActivity atomic.Int64

	authTimer *time.Timer
	closeOnce sync.Once
	done      chan struct{}
}

func (s *Server) newConnection(id uint64, conn *transport.Conn) *connection {
	c := &connection{
		id:       id,
		srv:      s,
		conn:     conn,
		logger:   s.logger.With(logging.KeyConnID, id, logging.KeyRemoteAddr, conn.RemoteAddr().String()),
		sessions: relay.NewSessions(),
		done:     make(chan struct{}),
	}
	c.touch()
	return c
}

func (c *connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *connection) currentState() authState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// armAuthTimer starts the auth_timeout deadline (§4.3, §4.7 "AwaitingAuth
// -timer(auth_timeout)-> Closed").
func (c *connection) armAuthTimer() {
	if c.srv.cfg.AuthTimeout <= 0 {
		return
	}
	c.authTimer = time.AfterFunc(c.srv.cfg.AuthTimeout, func() {
		if c.currentState() == stateAwaitingAuth {
			c.close(codeAuthFailed, "authentication timeout")
		}
	})
}

// idleMonitor enforces stream_timeout on an authenticated connection with no
// recent administrative activity (§4.7 Idle policy, §9 open question c).
func (c *connection) idleMonitor() {
	defer c.srv.wg.Done()
	defer recovery.RecoverWithCallback(c.logger, "connection.idleMonitor", func(any) {
		c.close(codeProtocolError, "panic recovered")
	})

	if c.srv.cfg.StreamTimeout <= 0 {
		<-c.done
		return
	}

	ticker := time.NewTicker(c.srv.cfg.StreamTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if c.currentState() != stateAuthenticated {
				continue
			}
			last := time.Unix(0, c.lastActivity.Load())
			if time.Since(last) > c.srv.cfg.StreamTimeout {
				c.close(codeIdleTimeout, "idle timeout")
				return
			}
		}
	}
}

// bidiPump accepts client-opened bidirectional streams, each carrying at
// most one command (Authenticate or Connect) followed by relayed bytes.
func (c *connection) bidiPump(ctx context.Context) {
	defer c.srv.wg.Done()
	defer recovery.RecoverWithCallback(c.logger, "connection.bidiPump", func(any) {
		c.close(codeProtocolError, "panic recovered")
	})

	for {
		stream, err := c.conn.AcceptStream(ctx)
		if err != nil {
			c.close(codeNormal, "bidi accept: "+err.Error())
			return
		}
		c.touch()
		go c.readBidiStream(stream)
	}
}

func (c *connection) readBidiStream(stream quic.Stream) {
	defer recovery.RecoverWithLog(c.logger, "connection.readBidiStream")

	cmd, err := protocol.ReadCommand(stream)
	if err != nil {
		c.logger.Warn("malformed command on bidi stream", logging.KeyError, err)
		c.srv.metrics.DecodeErrors.WithLabelValues("bidi").Inc()
		stream.CancelRead(streamErrMalformed)
		return
	}
	c.srv.metrics.CommandsReceived.WithLabelValues(protocol.CommandName(cmd.Type)).Inc()

	if cmd.Type == protocol.CmdAuthenticate {
		c.handleAuthenticate(cmd.Authenticate)
		return
	}

	c.mu.Lock()
	switch c.state {
	case stateAuthenticated:
		c.mu.Unlock()
		c.dispatchBidi(cmd, stream)
	case stateClosed:
		c.mu.Unlock()
	default:
		if len(c.bidiBacklog) >= c.srv.cfg.MaxBacklogPerCarrier {
			c.mu.Unlock()
			c.close(codeProtocolError, "bidi backlog exceeded before authentication")
			return
		}
		c.bidiBacklog = append(c.bidiBacklog, pendingBidi{cmd: cmd, stream: stream})
		c.mu.Unlock()
	}
}

// uniPump accepts client-opened unidirectional streams, each carrying one
// self-contained command (Packet in quic-mode, or Dissociate).
func (c *connection) uniPump(ctx context.Context) {
	defer c.srv.wg.Done()
	defer recovery.RecoverWithCallback(c.logger, "connection.uniPump", func(any) {
		c.close(codeProtocolError, "panic recovered")
	})

	for {
		stream, err := c.conn.AcceptUniStream(ctx)
		if err != nil {
			c.close(codeNormal, "uni accept: "+err.Error())
			return
		}
		c.touch()
		go c.readUniStream(stream)
	}
}

func (c *connection) readUniStream(stream quic.ReceiveStream) {
	defer recovery.RecoverWithLog(c.logger, "connection.readUniStream")

	cmd, err := protocol.ReadCommand(stream)
	if err != nil {
		c.logger.Warn("malformed command on uni stream", logging.KeyError, err)
		c.srv.metrics.DecodeErrors.WithLabelValues("uni").Inc()
		stream.CancelRead(streamErrMalformed)
		return
	}
	c.srv.metrics.CommandsReceived.WithLabelValues(protocol.CommandName(cmd.Type)).Inc()

	if cmd.Type == protocol.CmdAuthenticate {
		c.handleAuthenticate(cmd.Authenticate)
		return
	}

	c.mu.Lock()
	switch c.state {
	case stateAuthenticated:
		c.mu.Unlock()
		c.dispatchUni(cmd)
	case stateClosed:
		c.mu.Unlock()
	default:
		if len(c.uniBacklog) >= c.srv.cfg.MaxBacklogPerCarrier {
			c.mu.Unlock()
			c.close(codeProtocolError, "uni backlog exceeded before authentication")
			return
		}
		c.uniBacklog = append(c.uniBacklog, pendingUni{cmd: cmd})
		c.mu.Unlock()
	}
}

// datagramPump receives unreliable datagrams, each a self-contained command
// (Packet in native mode, or Heartbeat).
func (c *connection) datagramPump(ctx context.Context) {
	defer c.srv.wg.Done()
	defer recovery.RecoverWithCallback(c.logger, "connection.datagramPump", func(any) {
		c.close(codeProtocolError, "panic recovered")
	})

	for {
		b, err := c.conn.ReceiveDatagram(ctx)
		if err != nil {
			c.close(codeNormal, "datagram receive: "+err.Error())
			return
		}
		c.touch()

		cmd, err := protocol.DecodeDatagram(b)
		if err != nil {
			c.logger.Warn("malformed datagram", logging.KeyError, err)
			c.srv.metrics.DecodeErrors.WithLabelValues("datagram").Inc()
			continue
		}
		c.srv.metrics.CommandsReceived.WithLabelValues(protocol.CommandName(cmd.Type)).Inc()

		if cmd.Type == protocol.CmdAuthenticate {
			c.handleAuthenticate(cmd.Authenticate)
			continue
		}

		c.mu.Lock()
		switch c.state {
		case stateAuthenticated:
			c.mu.Unlock()
			c.dispatchDatagram(cmd)
		case stateClosed:
			c.mu.Unlock()
		default:
			if len(c.datagramBacklog) >= c.srv.cfg.MaxBacklogPerCarrier {
				c.mu.Unlock()
				c.close(codeProtocolError, "datagram backlog exceeded before authentication")
				return
			}
			c.datagramBacklog = append(c.datagramBacklog, pendingDatagram{cmd: cmd})
			c.mu.Unlock()
		}
	}
}

// handleAuthenticate verifies an Authenticate command and, on success,
// transitions AwaitingAuth -> Authenticated and replays every backlogged
// command in arrival order (§4.3, §4.7, §8 Auth gate property).
func (c *connection) handleAuthenticate(cmd protocol.Authenticate) {
	start := time.Now()
	user, err := c.srv.gate.Verify(cmd, c.conn.ExportKeyingMaterial)
	if err != nil {
		c.srv.metrics.AuthFailures.WithLabelValues("credentials").Inc()
		c.close(codeAuthFailed, "authentication failed")
		return
	}

	c.mu.Lock()
	if c.state != stateAwaitingAuth {
		c.mu.Unlock()
		c.close(codeProtocolError, "duplicate authenticate")
		return
	}

	regConn, err := c.srv.registry.Add(c.id, user, c.conn.RemoteAddr().String(), c.closeReason)
	if err != nil {
		c.mu.Unlock()
		c.srv.metrics.AuthFailures.WithLabelValues("limit").Inc()
		c.close(codeAuthFailed, "user connection limit reached")
		return
	}

	c.user = user
	c.regConn = regConn
	c.state = stateAuthenticated
	bidi := c.bidiBacklog
	uni := c.uniBacklog
	datagrams := c.datagramBacklog
	c.bidiBacklog = nil
	c.uniBacklog = nil
	c.datagramBacklog = nil
	c.mu.Unlock()

	if c.authTimer != nil {
		c.authTimer.Stop()
	}
	c.touch()
	c.srv.metrics.ConnectionsActive.Inc()
	c.srv.metrics.AuthLatency.Observe(time.Since(start).Seconds())
	c.logger.Info("connection authenticated", logging.KeyUserID, user.String())

	for _, p := range bidi {
		c.dispatchBidi(p.cmd, p.stream)
	}
	for _, p := range uni {
		c.dispatchUni(p.cmd)
	}
	for _, p := range datagrams {
		c.dispatchDatagram(p.cmd)
	}
}

// dispatchBidi handles a post-authentication command arriving on a bidi
// stream: only Connect is valid there (§4.4).
func (c *connection) dispatchBidi(cmd protocol.Command, stream quic.Stream) {
	if cmd.Type != protocol.CmdConnect {
		c.logger.Warn("unexpected command on bidi stream", logging.KeyCommand, protocol.CommandName(cmd.Type))
		stream.CancelRead(streamErrMalformed)
		return
	}
	go c.handleConnect(cmd.Connect, stream)
}

func (c *connection) handleConnect(connect protocol.Connect, stream quic.Stream) {
	defer recovery.RecoverWithLog(c.logger, "connection.handleConnect")

	c.srv.metrics.TCPRelaysTotal.Inc()
	c.srv.metrics.TCPRelaysActive.Inc()
	defer c.srv.metrics.TCPRelaysActive.Dec()

	if err := relay.Connect(c.conn.Context(), stream, connect.Address, c.srv.cfg.TCP, trafficCounters{c.regConn, c.srv.metrics}, c.logger); err != nil {
		c.srv.metrics.TCPDialErrors.WithLabelValues(dialErrorReason(err)).Inc()
		c.logger.Debug("tcp relay ended", logging.KeyAddress, connect.Address.String(), logging.KeyError, err)
	}
}

func dialErrorReason(err error) string {
	if relay.IsTimeout(err) {
		return "timeout"
	}
	return "resolve_or_connect"
}

// dispatchUni handles a post-authentication command arriving on a uni
// stream: Packet (quic-mode) or Dissociate (§4.5, §4.7).
func (c *connection) dispatchUni(cmd protocol.Command) {
	switch cmd.Type {
	case protocol.CmdPacket:
		c.handlePacketEgress(cmd.Packet, relay.ModeQUIC)
	case protocol.CmdDissociate:
		c.handleDissociate(cmd.Dissociate)
	default:
		c.logger.Warn("unexpected command on uni stream", logging.KeyCommand, protocol.CommandName(cmd.Type))
	}
}

// dispatchDatagram handles a post-authentication command arriving as a
// datagram: Packet (native mode) or Heartbeat (§4.5, §4.7).
func (c *connection) dispatchDatagram(cmd protocol.Command) {
	switch cmd.Type {
	case protocol.CmdPacket:
		c.handlePacketEgress(cmd.Packet, relay.ModeNative)
	case protocol.CmdHeartbeat:
		// Heartbeats extend activity only; never forwarded (§4.7).
	default:
		c.logger.Warn("unexpected datagram command", logging.KeyCommand, protocol.CommandName(cmd.Type))
	}
}

func (c *connection) handlePacketEgress(p protocol.Packet, mode relay.Mode) {
	sess := c.sessions.GetOrCreate(p.AssocID, func() *relay.Session {
		c.srv.metrics.UDPSessionsTotal.Inc()
		c.srv.metrics.UDPSessions.Inc()
		return relay.NewSession(p.AssocID, c.srv.cfg.UDP, c.conn, trafficCounters{c.regConn, c.srv.metrics}, c.logger)
	})
	sess.SetMode(mode)

	payload, addr, complete, err := c.srv.assembler.Add(c.id, p)
	if err != nil {
		c.srv.metrics.FragmentsDropped.Inc()
		c.logger.Debug("fragment rejected", logging.KeyAssocID, p.AssocID, logging.KeyError, err)
		return
	}
	if !complete {
		return
	}
	c.srv.metrics.FragmentsAssembled.Inc()

	if err := sess.Send(addr)(payload); err != nil {
		c.logger.Debug("udp egress send failed", logging.KeyAssocID, p.AssocID, logging.KeyError, err)
	}
}

func (c *connection) handleDissociate(d protocol.Dissociate) {
	before := c.sessions.Count()
	c.sessions.Remove(d.AssocID)
	c.srv.assembler.RemoveSession(c.id, d.AssocID)
	if c.sessions.Count() < before {
		c.srv.metrics.UDPSessions.Dec()
	}
}

// closeReason is the registry.Closer bound to this connection: the
// administrative kick path only ever supplies a reason string.
func (c *connection) closeReason(reason string) {
	c.close(codeAdminClose, reason)
}

// close tears the connection down exactly once: transport close, session
// and fragment cleanup, and registry deregistration if it had authenticated
// (§4.7, §7 "per-connection protocol errors close the connection"). It
// returns as soon as teardown has been scheduled, not once it has finished,
// so an administrative kick's grace period never blocks the caller (e.g.
// registry.Kick, iterating every connection of a kicked user).
func (c *connection) close(code uint64, reason string) {
	c.closeOnce.Do(func() {
		go c.teardown(code, reason)
	})
}

func (c *connection) teardown(code uint64, reason string) {
	c.mu.Lock()
	wasAuthenticated := c.state == stateAuthenticated
	user := c.user
	c.state = stateClosed
	c.mu.Unlock()

	if c.authTimer != nil {
		c.authTimer.Stop()
	}

	if code == codeAdminClose {
		c.srv.metrics.KicksTotal.Inc()
		c.logger.Debug("draining before admin close", "grace", adminKickGracePeriod)
		select {
		case <-c.conn.Context().Done():
			// Client already disconnected; no point waiting out the rest
			// of the grace period.
		case <-time.After(adminKickGracePeriod):
		}
	}

	c.conn.CloseWithError(code, reason)
	c.srv.metrics.UDPSessions.Sub(float64(c.sessions.Count()))
	c.sessions.CloseAll()
	c.srv.assembler.RemoveConnection(c.id)

	if wasAuthenticated {
		c.srv.registry.Remove(user, c.id)
		c.srv.metrics.ConnectionsActive.Dec()
	}

	c.logger.Info("connection closed", "reason", reason)
	close(c.done)
}
