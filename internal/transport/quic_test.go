package transport

import (
	"context"
	"crypto/tls"
	"io"
	"testing"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/postalsys/tuicd/internal/tlsutil"
)

func TestConfig_QuicConfig_EnforcesMTUFloor(t *testing.T) {
	cfg := Config{InitialMTU: 500}
	qc := cfg.quicConfig()
	if qc.InitialPacketSize < 1200 {
		t.Fatalf("InitialPacketSize = %d, want >= 1200", qc.InitialPacketSize)
	}
}

func TestConfig_QuicConfig_HonorsReceiveWindow(t *testing.T) {
	cfg := Config{InitialMTU: 1350, ReceiveWindow: 4 << 20}
	qc := cfg.quicConfig()
	if qc.InitialStreamReceiveWindow != 4<<20 {
		t.Fatalf("InitialStreamReceiveWindow = %d, want %d", qc.InitialStreamReceiveWindow, 4<<20)
	}
}

func TestConfig_QuicConfig_MinMTURaisesInitial(t *testing.T) {
	cfg := Config{InitialMTU: 1250, MinMTU: 1400}
	qc := cfg.quicConfig()
	if qc.InitialPacketSize != 1400 {
		t.Fatalf("InitialPacketSize = %d, want 1400 (min_mtu floor)", qc.InitialPacketSize)
	}
}

func TestConfig_QuicConfig_MinMTUBelowInitialIsNoop(t *testing.T) {
	cfg := Config{InitialMTU: 1400, MinMTU: 1200}
	qc := cfg.quicConfig()
	if qc.InitialPacketSize != 1400 {
		t.Fatalf("InitialPacketSize = %d, want 1400 (initial already above min_mtu)", qc.InitialPacketSize)
	}
}

func TestConfig_QuicConfig_HonorsSendWindow(t *testing.T) {
	cfg := Config{InitialMTU: 1350, SendWindow: 8 << 20}
	qc := cfg.quicConfig()
	if qc.MaxStreamReceiveWindow != 8<<20 {
		t.Fatalf("MaxStreamReceiveWindow = %d, want %d", qc.MaxStreamReceiveWindow, 8<<20)
	}
	if qc.MaxConnectionReceiveWindow != 8<<20 {
		t.Fatalf("MaxConnectionReceiveWindow = %d, want %d", qc.MaxConnectionReceiveWindow, 8<<20)
	}
}

func TestListen_RejectsNilTLSConfig(t *testing.T) {
	if _, err := Listen("127.0.0.1:0", nil, Config{}); err == nil {
		t.Fatal("expected error for nil TLS config")
	}
}

func TestListen_AcceptAndExchangeStream(t *testing.T) {
	cert, err := tlsutil.GenerateSelfSigned("tuicd.test", time.Hour)
	if err != nil {
		t.Fatalf("GenerateSelfSigned: %v", err)
	}

	ln, err := Listen("127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}}, Config{InitialMTU: 1350, MaxIdleTime: 5 * time.Second})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	serverDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		conn, err := ln.Accept(ctx)
		if err != nil {
			serverDone <- err
			return
		}

		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			serverDone <- err
			return
		}
		defer stream.Close()

		buf := make([]byte, 5)
		if _, err := io.ReadFull(stream, buf); err != nil {
			serverDone <- err
			return
		}
		if string(buf) != "hello" {
			serverDone <- context.DeadlineExceeded
			return
		}
		serverDone <- nil
	}()

	clientTLS := &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"h3"}}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientConn, err := quic.DialAddr(ctx, ln.Addr().String(), clientTLS, nil)
	if err != nil {
		t.Fatalf("DialAddr: %v", err)
	}
	defer clientConn.CloseWithError(0, "done")

	stream, err := clientConn.OpenStreamSync(ctx)
	if err != nil {
		t.Fatalf("OpenStreamSync: %v", err)
	}
	if _, err := stream.Write([]byte("hello")); err != nil {
		t.Fatalf("stream write: %v", err)
	}

	select {
	case err := <-serverDone:
		if err != nil {
			t.Fatalf("server goroutine: %v", err)
		}
	case <-time.After(6 * time.Second):
		t.Fatal("timed out waiting for server to process the stream")
	}
}
