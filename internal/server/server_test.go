package server

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/tuicd/internal/auth"
	"github.com/postalsys/tuicd/internal/fragment"
	"github.com/postalsys/tuicd/internal/metrics"
	"github.com/postalsys/tuicd/internal/protocol"
	"github.com/postalsys/tuicd/internal/registry"
	"github.com/postalsys/tuicd/internal/relay"
	"github.com/postalsys/tuicd/internal/tlsutil"
	"github.com/postalsys/tuicd/internal/transport"
	"github.com/postalsys/tuicd/internal/userid"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testFixture wires a full supervisor over loopback QUIC with a real
// self-signed certificate, a single registered user, and a plain TCP echo
// target, for exercising the auth-gate and relay path end to end.
type testFixture struct {
	srv      *Server
	listener *transport.Listener
	metrics  *metrics.Metrics
	user     userid.UUID
	password string
	echoAddr *net.TCPAddr
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()

	cert, err := tlsutil.GenerateSelfSigned("tuicd.test", time.Hour)
	if err != nil {
		t.Fatalf("GenerateSelfSigned: %v", err)
	}

	ln, err := transport.Listen("127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}}, transport.Config{
		InitialMTU:  1350,
		MaxIdleTime: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("transport.Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	user, err := userid.New()
	if err != nil {
		t.Fatalf("userid.New: %v", err)
	}
	password := "correct horse battery staple"
	gate := auth.New(auth.Users{user: password})

	reg := registry.New(0)
	assembler := fragment.New(0, time.Hour, discardLogger())
	t.Cleanup(assembler.Close)

	echoLn, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen echo: %v", err)
	}
	t.Cleanup(func() { echoLn.Close() })
	go func() {
		for {
			conn, err := echoLn.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()

	cfg := DefaultConfig()
	cfg.TCP = relay.TCPConfig{DialTimeout: 2 * time.Second}
	cfg.UDP = relay.UDPConfig{MaxExternalPacketSize: 1500, MTU: 1200}

	// A fixture-scoped registry, rather than the process-wide default
	// metrics.Default(), so repeated fixtures in the same test binary don't
	// collide registering the same collector names twice.
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	srv := New(cfg, ln, gate, reg, assembler, m, discardLogger())

	return &testFixture{
		srv:      srv,
		listener: ln,
		metrics:  m,
		user:     user,
		password: password,
		echoAddr: echoLn.Addr().(*net.TCPAddr),
	}
}

func (f *testFixture) dial(t *testing.T, ctx context.Context) quic.Connection {
	t.Helper()
	clientTLS := &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"h3"}}
	conn, err := quic.DialAddr(ctx, f.listener.Addr().String(), clientTLS, nil)
	if err != nil {
		t.Fatalf("DialAddr: %v", err)
	}
	return conn
}

func (f *testFixture) authenticateCommand(t *testing.T, conn quic.Connection) protocol.Authenticate {
	t.Helper()
	state := conn.ConnectionState()
	exporter := func(label string, context []byte, length int) ([]byte, error) {
		return state.TLS.ExportKeyingMaterial(label, context, length)
	}
	token, err := auth.Token(f.user, f.password, exporter)
	if err != nil {
		t.Fatalf("auth.Token: %v", err)
	}
	var cmd protocol.Authenticate
	copy(cmd.UUID[:], f.user.Bytes())
	cmd.Token = token
	return cmd
}

// TestAuthGate_BacklogsConnectUntilAuthenticated verifies that a Connect
// command sent before Authenticate is held and only dispatched once
// authentication succeeds, never relayed to the upstream target early.
func TestAuthGate_BacklogsConnectUntilAuthenticated(t *testing.T) {
	f := newTestFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- f.srv.Serve(ctx) }()
	defer func() {
		f.srv.Close()
		cancel()
		f.srv.Wait()
	}()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()
	conn := f.dial(t, dialCtx)
	defer conn.CloseWithError(0, "done")

	connectAddr := protocol.Address{Type: protocol.AddrIPv4, IP: f.echoAddr.IP.To4(), Port: uint16(f.echoAddr.Port)}
	connectCmd := protocol.Connect{Address: connectAddr}

	stream, err := conn.OpenStreamSync(dialCtx)
	if err != nil {
		t.Fatalf("OpenStreamSync: %v", err)
	}
	if _, err := stream.Write(connectCmd.Encode()); err != nil {
		t.Fatalf("write connect: %v", err)
	}

	// Give the server time to receive and backlog the Connect before
	// authenticating, so dispatch-before-auth would be a real bug if
	// it happened.
	time.Sleep(100 * time.Millisecond)

	authStream, err := conn.OpenStreamSync(dialCtx)
	if err != nil {
		t.Fatalf("OpenStreamSync (auth): %v", err)
	}
	authCmd := f.authenticateCommand(t, conn)
	if _, err := authStream.Write(authCmd.Encode()); err != nil {
		t.Fatalf("write authenticate: %v", err)
	}

	if _, err := stream.Write([]byte("ping")); err != nil {
		t.Fatalf("write relay payload: %v", err)
	}

	buf := make([]byte, 4)
	stream.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(stream, buf); err != nil {
		t.Fatalf("read echo reply: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("echoed payload = %q, want ping", buf)
	}
}

// TestRelayCounters_UpdatesMetricsAndRegistry verifies that bytes moved by
// the TCP relay reach both the registry connection's per-user traffic
// totals and the process metrics, via the same trafficCounters call site.
func TestRelayCounters_UpdatesMetricsAndRegistry(t *testing.T) {
	f := newTestFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.srv.Serve(ctx)
	defer func() {
		f.srv.Close()
		cancel()
		f.srv.Wait()
	}()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()
	conn := f.dial(t, dialCtx)
	defer conn.CloseWithError(0, "done")

	authStream, err := conn.OpenStreamSync(dialCtx)
	if err != nil {
		t.Fatalf("OpenStreamSync (auth): %v", err)
	}
	authCmd := f.authenticateCommand(t, conn)
	if _, err := authStream.Write(authCmd.Encode()); err != nil {
		t.Fatalf("write authenticate: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	connectAddr := protocol.Address{Type: protocol.AddrIPv4, IP: f.echoAddr.IP.To4(), Port: uint16(f.echoAddr.Port)}
	connectCmd := protocol.Connect{Address: connectAddr}

	stream, err := conn.OpenStreamSync(dialCtx)
	if err != nil {
		t.Fatalf("OpenStreamSync: %v", err)
	}
	if _, err := stream.Write(connectCmd.Encode()); err != nil {
		t.Fatalf("write connect: %v", err)
	}
	payload := []byte("hello relay")
	if _, err := stream.Write(payload); err != nil {
		t.Fatalf("write relay payload: %v", err)
	}

	buf := make([]byte, len(payload))
	stream.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(stream, buf); err != nil {
		t.Fatalf("read echo reply: %v", err)
	}

	if got := testutil.ToFloat64(f.metrics.BytesSent.WithLabelValues("tcp")); got < float64(len(payload)) {
		t.Errorf("BytesSent[tcp] = %v, want >= %d", got, len(payload))
	}
	if got := testutil.ToFloat64(f.metrics.BytesReceived.WithLabelValues("tcp")); got < float64(len(payload)) {
		t.Errorf("BytesReceived[tcp] = %v, want >= %d", got, len(payload))
	}

	summaries := f.srv.registry.Enumerate()
	if len(summaries) != 1 {
		t.Fatalf("Enumerate() returned %d summaries, want 1", len(summaries))
	}
	if summaries[0].Traffic.TCPTx == 0 || summaries[0].Traffic.TCPRx == 0 {
		t.Errorf("registry traffic not updated: %+v", summaries[0].Traffic)
	}
}

// TestAdminKick_DrainsBeforeClosing verifies that a kicked connection stays
// registered for the grace period rather than being torn down instantly,
// and that the kick is reflected in the admin metrics once it does close.
func TestAdminKick_DrainsBeforeClosing(t *testing.T) {
	f := newTestFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.srv.Serve(ctx)
	defer func() {
		f.srv.Close()
		cancel()
		f.srv.Wait()
	}()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()
	conn := f.dial(t, dialCtx)
	defer conn.CloseWithError(0, "done")

	authStream, err := conn.OpenStreamSync(dialCtx)
	if err != nil {
		t.Fatalf("OpenStreamSync (auth): %v", err)
	}
	authCmd := f.authenticateCommand(t, conn)
	if _, err := authStream.Write(authCmd.Encode()); err != nil {
		t.Fatalf("write authenticate: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if got := f.srv.registry.TotalOnline(); got != 1 {
		t.Fatalf("TotalOnline() before kick = %d, want 1", got)
	}

	closed := f.srv.registry.Kick([]userid.UUID{f.user})
	if closed != 1 {
		t.Fatalf("Kick() = %d, want 1", closed)
	}

	// Still draining: the grace period has not elapsed yet.
	time.Sleep(200 * time.Millisecond)
	if got := f.srv.registry.TotalOnline(); got != 1 {
		t.Errorf("TotalOnline() mid-grace = %d, want 1 (still draining)", got)
	}

	// Past the grace period: the connection should be gone and the kick
	// counted.
	time.Sleep(adminKickGracePeriod)
	if got := f.srv.registry.TotalOnline(); got != 0 {
		t.Errorf("TotalOnline() after grace period = %d, want 0", got)
	}
	if got := testutil.ToFloat64(f.metrics.KicksTotal); got != 1 {
		t.Errorf("KicksTotal = %v, want 1", got)
	}
}

func TestAuthGate_RejectsBadCredentials(t *testing.T) {
	f := newTestFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.srv.Serve(ctx)
	defer func() {
		f.srv.Close()
		cancel()
		f.srv.Wait()
	}()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()
	conn := f.dial(t, dialCtx)
	defer conn.CloseWithError(0, "done")

	var badCmd protocol.Authenticate
	copy(badCmd.UUID[:], f.user.Bytes())
	// Leave Token zeroed: guaranteed mismatch against the exported token.

	stream, err := conn.OpenStreamSync(dialCtx)
	if err != nil {
		t.Fatalf("OpenStreamSync: %v", err)
	}
	if _, err := stream.Write(badCmd.Encode()); err != nil {
		t.Fatalf("write authenticate: %v", err)
	}

	// The connection should be closed by the server; a subsequent read
	// should observe the closure rather than hang.
	stream.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	if _, err := stream.Read(buf); err == nil {
		t.Fatal("expected the connection to be closed after a failed authentication")
	}
}
