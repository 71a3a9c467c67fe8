// Package relay implements the TCP relay (§4.4) and UDP relay (§4.5): the
// two command handlers that move bytes between an authenticated client and
// the Internet once a Connect or Packet command has been dispatched.
package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/postalsys/tuicd/internal/logging"
	"github.com/postalsys/tuicd/internal/protocol"
	"github.com/postalsys/tuicd/internal/recovery"
)

// copyBufferSize bounds the per-direction buffer used for the bidirectional
// copy, so an asymmetric-throughput relay cannot grow unbounded memory
// (§4.4: "bounded buffer per direction, e.g., 16 KiB").
const copyBufferSize = 16 * 1024

// Stream is the QUIC bidirectional stream carrying a Connect command's
// relayed bytes. Close finishes the send side without affecting the receive
// side, matching quic.Stream's half-close semantics. Satisfied directly by
// quic.Stream, as returned from transport.Conn.AcceptStream.
type Stream interface {
	io.Reader
	io.Writer
	Close() error
	CancelRead(code quic.StreamErrorCode)
}

// TCPConfig carries the TCP relay's tunables, derived from configuration
// (§6: task_negotiation_timeout).
type TCPConfig struct {
	// DialTimeout bounds each individual resolved-endpoint connect attempt.
	DialTimeout time.Duration
}

// TCPCounters receives byte counts as the relay copies data, so the caller
// can fold them into the registry connection's traffic totals.
type TCPCounters interface {
	AddTCPTx(n uint64)
	AddTCPRx(n uint64)
}

// dial resolves addr and attempts each resolved endpoint in order with a
// per-attempt timeout, returning the first successful connection (§4.4).
func dial(ctx context.Context, addr protocol.Address, cfg TCPConfig) (net.Conn, error) {
	var targets []string

	switch addr.Type {
	case protocol.AddrDomain:
		resolver := &net.Resolver{}
		ips, err := resolver.LookupIPAddr(ctx, addr.Domain)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", addr.Domain, err)
		}
		for _, ip := range ips {
			targets = append(targets, net.JoinHostPort(ip.String(), fmt.Sprint(addr.Port)))
		}
	default:
		targets = append(targets, net.JoinHostPort(addr.IP.String(), fmt.Sprint(addr.Port)))
	}

	if len(targets) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", addr.String())
	}

	var lastErr error
	dialer := &net.Dialer{}
	for _, target := range targets {
		attemptCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		conn, err := dialer.DialContext(attemptCtx, "tcp", target)
		cancel()
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// Connect performs the full TCP relay for one Connect command: dial the
// target, then bidirectionally copy between stream and the dialed socket
// until both directions are done. It blocks until the relay finishes.
func Connect(ctx context.Context, stream Stream, addr protocol.Address, cfg TCPConfig, counters TCPCounters, logger *slog.Logger) error {
	conn, err := dial(ctx, addr, cfg)
	if err != nil {
		stream.CancelRead(protoErrResolveFailed)
		return fmt.Errorf("connect %s: %w", addr.String(), err)
	}
	defer conn.Close()

	logger.Debug("tcp relay established", logging.KeyAddress, addr.String())

	done := make(chan struct{}, 2)

	go func() {
		// A panic must still signal done, or the other direction's
		// goroutine blocks Connect forever waiting for this one.
		defer func() { done <- struct{}{} }()
		defer recovery.RecoverWithCallback(logger, "relay.Connect upstream->client", nil)
		copyDirection(stream, conn, counters.AddTCPRx, logger)
		// Upstream is done sending: finish our send side to the client.
		stream.Close()
	}()

	go func() {
		defer func() { done <- struct{}{} }()
		defer recovery.RecoverWithCallback(logger, "relay.Connect client->upstream", nil)
		copyDirection(conn, stream, counters.AddTCPTx, logger)
		// Client is done sending: shut down the write side to upstream.
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.CloseWrite()
		}
	}()

	<-done
	<-done
	return nil
}

// copyDirection copies dst<-src in fixed-size chunks, reporting each
// successful write's size to count.
func copyDirection(dst io.Writer, src io.Reader, count func(uint64), logger *slog.Logger) {
	buf := make([]byte, copyBufferSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
			count(uint64(n))
		}
		if rerr != nil {
			if rerr != io.EOF {
				logger.Debug("tcp relay read error", logging.KeyError, rerr)
			}
			return
		}
	}
}

// protoErrResolveFailed is the application-level stream reset code used
// when dial/resolution fails (§7 ResolveFailed, §4.4 "closed with reset; no
// command reply is emitted").
const protoErrResolveFailed quic.StreamErrorCode = 0x01

// IsTimeout reports whether err is a network-level timeout, for logging the
// right error kind (§7 Timeout vs OutboundIo).
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if netErr, ok := err.(net.Error); ok {
		return netErr.Timeout()
	}
	return strings.Contains(err.Error(), "timeout")
}
