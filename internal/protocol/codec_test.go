package protocol

import (
	"bytes"
	"net"
	"testing"
)

func TestAddress_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		addr Address
	}{
		{"none", Address{Type: AddrNone}},
		{"domain", Address{Type: AddrDomain, Domain: "example.com", Port: 443}},
		{"ipv4", Address{Type: AddrIPv4, IP: net.ParseIP("192.0.2.1").To4(), Port: 80}},
		{"ipv6", Address{Type: AddrIPv6, IP: net.ParseIP("2001:db8::1").To16(), Port: 8080}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := tt.addr.Encode(nil)
			if len(encoded) != tt.addr.EncodedLen() {
				t.Fatalf("EncodedLen() = %d, actual encoded length = %d", tt.addr.EncodedLen(), len(encoded))
			}
			decoded, err := decodeAddress(bytes.NewReader(encoded))
			if err != nil {
				t.Fatalf("decodeAddress: %v", err)
			}
			if decoded.Type != tt.addr.Type || decoded.Port != tt.addr.Port {
				t.Fatalf("decoded = %+v, want %+v", decoded, tt.addr)
			}
			if tt.addr.Type == AddrDomain && decoded.Domain != tt.addr.Domain {
				t.Fatalf("decoded domain = %q, want %q", decoded.Domain, tt.addr.Domain)
			}
			if (tt.addr.Type == AddrIPv4 || tt.addr.Type == AddrIPv6) && !decoded.IP.Equal(tt.addr.IP) {
				t.Fatalf("decoded ip = %v, want %v", decoded.IP, tt.addr.IP)
			}
		})
	}
}

func TestDecodeAddress_NonUTF8Domain(t *testing.T) {
	buf := []byte{AddrDomain, 2, 0xff, 0xfe, 0, 80}
	if _, err := decodeAddress(bytes.NewReader(buf)); err == nil {
		t.Fatal("expected error for non-UTF-8 domain")
	}
}

func TestDecodeAddress_UnknownType(t *testing.T) {
	buf := []byte{0x7f}
	if _, err := decodeAddress(bytes.NewReader(buf)); err == nil {
		t.Fatal("expected error for unknown address type")
	}
}

func TestReadCommand_Authenticate(t *testing.T) {
	var a Authenticate
	for i := range a.UUID {
		a.UUID[i] = byte(i)
	}
	for i := range a.Token {
		a.Token[i] = byte(i + 1)
	}

	cmd, err := ReadCommand(bytes.NewReader(a.Encode()))
	if err != nil {
		t.Fatalf("ReadCommand: %v", err)
	}
	if cmd.Type != CmdAuthenticate {
		t.Fatalf("Type = %d, want CmdAuthenticate", cmd.Type)
	}
	if cmd.Authenticate.UUID != a.UUID || cmd.Authenticate.Token != a.Token {
		t.Fatal("decoded authenticate fields don't match")
	}
}

func TestReadCommand_Connect(t *testing.T) {
	c := Connect{Address: Address{Type: AddrDomain, Domain: "example.org", Port: 443}}
	cmd, err := ReadCommand(bytes.NewReader(c.Encode()))
	if err != nil {
		t.Fatalf("ReadCommand: %v", err)
	}
	if cmd.Type != CmdConnect {
		t.Fatalf("Type = %d, want CmdConnect", cmd.Type)
	}
	if cmd.Connect.Address.Domain != "example.org" {
		t.Fatalf("Address.Domain = %q, want example.org", cmd.Connect.Address.Domain)
	}
}

func TestReadCommand_Packet(t *testing.T) {
	p := Packet{
		AssocID:   7,
		PktID:     42,
		FragTotal: 1,
		FragID:    0,
		Address:   Address{Type: AddrIPv4, IP: net.ParseIP("10.0.0.1").To4(), Port: 53},
		Payload:   []byte("hello"),
	}
	cmd, err := ReadCommand(bytes.NewReader(p.Encode()))
	if err != nil {
		t.Fatalf("ReadCommand: %v", err)
	}
	if cmd.Type != CmdPacket {
		t.Fatalf("Type = %d, want CmdPacket", cmd.Type)
	}
	if cmd.Packet.AssocID != 7 || cmd.Packet.PktID != 42 {
		t.Fatalf("assoc/pkt id mismatch: %+v", cmd.Packet)
	}
	if !bytes.Equal(cmd.Packet.Payload, p.Payload) {
		t.Fatalf("Payload = %q, want %q", cmd.Packet.Payload, p.Payload)
	}
}

func TestReadCommand_Packet_FragIDMustBeLessThanFragTotal(t *testing.T) {
	p := Packet{
		AssocID: 1, PktID: 1,
		FragTotal: 2, FragID: 2,
		Address: Address{Type: AddrNone},
		Payload: []byte{1},
	}
	if _, err := ReadCommand(bytes.NewReader(p.Encode())); err == nil {
		t.Fatal("expected error for frag_id >= frag_total")
	}
}

func TestReadCommand_Packet_ZeroFragTotalRejected(t *testing.T) {
	buf := []byte{Version, CmdPacket, 0, 1, 0, 1, 0, 0, 0, 0} // frag_total=0, frag_id=0, size=0, no address
	if _, err := ReadCommand(bytes.NewReader(buf)); err == nil {
		t.Fatal("expected error for frag_total == 0")
	}
}

func TestReadCommand_Packet_NonZeroFragIDMustCarryAddrNone(t *testing.T) {
	p := Packet{
		AssocID: 1, PktID: 1,
		FragTotal: 2, FragID: 1,
		Address: Address{Type: AddrIPv4, IP: net.ParseIP("10.0.0.1").To4(), Port: 1},
		Payload: []byte{1, 2, 3},
	}
	if _, err := ReadCommand(bytes.NewReader(p.Encode())); err == nil {
		t.Fatal("expected error when non-zero frag_id carries a real address")
	}
}

func TestReadCommand_Dissociate(t *testing.T) {
	d := Dissociate{AssocID: 99}
	cmd, err := ReadCommand(bytes.NewReader(d.Encode()))
	if err != nil {
		t.Fatalf("ReadCommand: %v", err)
	}
	if cmd.Type != CmdDissociate || cmd.Dissociate.AssocID != 99 {
		t.Fatalf("unexpected dissociate result: %+v", cmd)
	}
}

func TestReadCommand_Heartbeat(t *testing.T) {
	cmd, err := ReadCommand(bytes.NewReader(Heartbeat{}.Encode()))
	if err != nil {
		t.Fatalf("ReadCommand: %v", err)
	}
	if cmd.Type != CmdHeartbeat {
		t.Fatalf("Type = %d, want CmdHeartbeat", cmd.Type)
	}
}

func TestReadCommand_UnsupportedVersion(t *testing.T) {
	buf := []byte{0x04, CmdHeartbeat}
	if _, err := ReadCommand(bytes.NewReader(buf)); err == nil {
		t.Fatal("expected error for unsupported version")
	}
}

func TestReadCommand_UnknownType(t *testing.T) {
	buf := []byte{Version, 0x7f}
	if _, err := ReadCommand(bytes.NewReader(buf)); err == nil {
		t.Fatal("expected error for unknown command type")
	}
}

func TestReadCommand_Truncated(t *testing.T) {
	buf := []byte{Version}
	if _, err := ReadCommand(bytes.NewReader(buf)); err == nil {
		t.Fatal("expected error for truncated prelude")
	}
}

func TestDecodeDatagram(t *testing.T) {
	p := Packet{
		AssocID: 3, PktID: 1, FragTotal: 1, FragID: 0,
		Address: Address{Type: AddrNone},
		Payload: []byte("udp payload"),
	}
	cmd, err := DecodeDatagram(p.Encode())
	if err != nil {
		t.Fatalf("DecodeDatagram: %v", err)
	}
	if cmd.Type != CmdPacket {
		t.Fatalf("Type = %d, want CmdPacket", cmd.Type)
	}
}

func TestCommandName(t *testing.T) {
	tests := map[uint8]string{
		CmdAuthenticate: "AUTHENTICATE",
		CmdConnect:      "CONNECT",
		CmdPacket:       "PACKET",
		CmdDissociate:   "DISSOCIATE",
		CmdHeartbeat:    "HEARTBEAT",
		0xaa:            "UNKNOWN",
	}
	for cmdType, want := range tests {
		if got := CommandName(cmdType); got != want {
			t.Errorf("CommandName(0x%02x) = %q, want %q", cmdType, got, want)
		}
	}
}
