package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"unicode/utf8"
)

// ErrMalformedCommand is returned for any decode failure: unknown command
// type, truncated input, or a non-UTF-8 domain (§4.1, §7).
var ErrMalformedCommand = errors.New("malformed command")

// Address is the TUIC address encoding: a 1-byte type tag followed by a
// type-specific body (§4.1).
type Address struct {
	Type   uint8
	Domain string // set when Type == AddrDomain
	IP     net.IP // set when Type == AddrIPv4 or AddrIPv6
	Port   uint16
}

// String renders the address the way a log line wants it.
func (a Address) String() string {
	switch a.Type {
	case AddrNone:
		return "-"
	case AddrDomain:
		return fmt.Sprintf("%s:%d", a.Domain, a.Port)
	default:
		return fmt.Sprintf("%s:%d", a.IP.String(), a.Port)
	}
}

// EncodedLen returns the number of bytes Encode would produce.
func (a Address) EncodedLen() int {
	switch a.Type {
	case AddrNone:
		return 1
	case AddrDomain:
		return 1 + 1 + len(a.Domain) + 2
	case AddrIPv4:
		return 1 + 4 + 2
	case AddrIPv6:
		return 1 + 16 + 2
	default:
		return 1
	}
}

// Encode appends the wire encoding of a to buf and returns the result.
func (a Address) Encode(buf []byte) []byte {
	buf = append(buf, a.Type)
	switch a.Type {
	case AddrNone:
		// no body
	case AddrDomain:
		buf = append(buf, byte(len(a.Domain)))
		buf = append(buf, a.Domain...)
		buf = appendUint16(buf, a.Port)
	case AddrIPv4:
		ip4 := a.IP.To4()
		buf = append(buf, ip4...)
		buf = appendUint16(buf, a.Port)
	case AddrIPv6:
		ip16 := a.IP.To16()
		buf = append(buf, ip16...)
		buf = appendUint16(buf, a.Port)
	}
	return buf
}

func appendUint16(buf []byte, v uint16) []byte {
	return append(buf, byte(v>>8), byte(v))
}

// decodeAddress reads one Address from r.
func decodeAddress(r io.Reader) (Address, error) {
	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return Address{}, fmt.Errorf("%w: address tag: %v", ErrMalformedCommand, err)
	}

	switch tag[0] {
	case AddrNone:
		return Address{Type: AddrNone}, nil
	case AddrDomain:
		var lenBuf [1]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return Address{}, fmt.Errorf("%w: domain length: %v", ErrMalformedCommand, err)
		}
		host := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(r, host); err != nil {
			return Address{}, fmt.Errorf("%w: domain host: %v", ErrMalformedCommand, err)
		}
		if !utf8.Valid(host) {
			return Address{}, fmt.Errorf("%w: domain is not valid UTF-8", ErrMalformedCommand)
		}
		port, err := readUint16(r)
		if err != nil {
			return Address{}, fmt.Errorf("%w: domain port: %v", ErrMalformedCommand, err)
		}
		return Address{Type: AddrDomain, Domain: string(host), Port: port}, nil
	case AddrIPv4:
		ip := make(net.IP, 4)
		if _, err := io.ReadFull(r, ip); err != nil {
			return Address{}, fmt.Errorf("%w: ipv4: %v", ErrMalformedCommand, err)
		}
		port, err := readUint16(r)
		if err != nil {
			return Address{}, fmt.Errorf("%w: ipv4 port: %v", ErrMalformedCommand, err)
		}
		return Address{Type: AddrIPv4, IP: ip, Port: port}, nil
	case AddrIPv6:
		ip := make(net.IP, 16)
		if _, err := io.ReadFull(r, ip); err != nil {
			return Address{}, fmt.Errorf("%w: ipv6: %v", ErrMalformedCommand, err)
		}
		port, err := readUint16(r)
		if err != nil {
			return Address{}, fmt.Errorf("%w: ipv6 port: %v", ErrMalformedCommand, err)
		}
		return Address{Type: AddrIPv6, IP: ip, Port: port}, nil
	default:
		return Address{}, fmt.Errorf("%w: unknown address type 0x%02x", ErrMalformedCommand, tag[0])
	}
}

func readUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

// Authenticate is the CmdAuthenticate payload: a 16-byte client UUID and a
// 32-byte token bound to the QUIC session's exported keying material.
type Authenticate struct {
	UUID  [UUIDSize]byte
	Token [TokenSize]byte
}

// Encode serializes the full Authenticate command, prelude included.
func (a Authenticate) Encode() []byte {
	buf := make([]byte, 0, PreludeSize+UUIDSize+TokenSize)
	buf = append(buf, Version, CmdAuthenticate)
	buf = append(buf, a.UUID[:]...)
	buf = append(buf, a.Token[:]...)
	return buf
}

func decodeAuthenticate(r io.Reader) (Authenticate, error) {
	var a Authenticate
	if _, err := io.ReadFull(r, a.UUID[:]); err != nil {
		return a, fmt.Errorf("%w: authenticate uuid: %v", ErrMalformedCommand, err)
	}
	if _, err := io.ReadFull(r, a.Token[:]); err != nil {
		return a, fmt.Errorf("%w: authenticate token: %v", ErrMalformedCommand, err)
	}
	return a, nil
}

// Connect is the CmdConnect payload: the target address for a TCP relay.
type Connect struct {
	Address Address
}

// Encode serializes the full Connect command, prelude included.
func (c Connect) Encode() []byte {
	buf := make([]byte, 0, PreludeSize+c.Address.EncodedLen())
	buf = append(buf, Version, CmdConnect)
	buf = c.Address.Encode(buf)
	return buf
}

func decodeConnect(r io.Reader) (Connect, error) {
	addr, err := decodeAddress(r)
	if err != nil {
		return Connect{}, err
	}
	return Connect{Address: addr}, nil
}

// Packet is the CmdPacket payload: one fragment of a UDP datagram destined
// for (or returning from) assoc_id A.
type Packet struct {
	AssocID   uint16
	PktID     uint16
	FragTotal uint8
	FragID    uint8
	Address   Address // AddrNone on non-zero FragID
	Payload   []byte
}

// Encode serializes the full Packet command, prelude included.
func (p Packet) Encode() []byte {
	size := len(p.Payload)
	buf := make([]byte, 0, PreludeSize+2+2+1+1+2+p.Address.EncodedLen()+size)
	buf = append(buf, Version, CmdPacket)
	buf = appendUint16(buf, p.AssocID)
	buf = appendUint16(buf, p.PktID)
	buf = append(buf, p.FragTotal, p.FragID)
	buf = appendUint16(buf, uint16(size))
	buf = p.Address.Encode(buf)
	buf = append(buf, p.Payload...)
	return buf
}

func decodePacket(r io.Reader) (Packet, error) {
	var p Packet
	var err error
	if p.AssocID, err = readUint16(r); err != nil {
		return p, fmt.Errorf("%w: packet assoc_id: %v", ErrMalformedCommand, err)
	}
	if p.PktID, err = readUint16(r); err != nil {
		return p, fmt.Errorf("%w: packet pkt_id: %v", ErrMalformedCommand, err)
	}
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return p, fmt.Errorf("%w: packet frag header: %v", ErrMalformedCommand, err)
	}
	p.FragTotal, p.FragID = hdr[0], hdr[1]
	if p.FragTotal == 0 || p.FragID >= p.FragTotal {
		return p, fmt.Errorf("%w: frag_id %d >= frag_total %d", ErrMalformedCommand, p.FragID, p.FragTotal)
	}
	size, err := readUint16(r)
	if err != nil {
		return p, fmt.Errorf("%w: packet size: %v", ErrMalformedCommand, err)
	}
	if p.Address, err = decodeAddress(r); err != nil {
		return p, err
	}
	if p.FragID != 0 && p.Address.Type != AddrNone {
		return p, fmt.Errorf("%w: non-zero frag_id must carry AddrNone", ErrMalformedCommand)
	}
	p.Payload = make([]byte, size)
	if _, err := io.ReadFull(r, p.Payload); err != nil {
		return p, fmt.Errorf("%w: packet payload: %v", ErrMalformedCommand, err)
	}
	return p, nil
}

// Dissociate is the CmdDissociate payload: tear down assoc_id A.
type Dissociate struct {
	AssocID uint16
}

// Encode serializes the full Dissociate command, prelude included.
func (d Dissociate) Encode() []byte {
	buf := make([]byte, 0, PreludeSize+2)
	buf = append(buf, Version, CmdDissociate)
	buf = appendUint16(buf, d.AssocID)
	return buf
}

func decodeDissociate(r io.Reader) (Dissociate, error) {
	assocID, err := readUint16(r)
	if err != nil {
		return Dissociate{}, fmt.Errorf("%w: dissociate assoc_id: %v", ErrMalformedCommand, err)
	}
	return Dissociate{AssocID: assocID}, nil
}

// Heartbeat is the CmdHeartbeat payload: empty.
type Heartbeat struct{}

// Encode serializes the full Heartbeat command, prelude included.
func (Heartbeat) Encode() []byte {
	return []byte{Version, CmdHeartbeat}
}

// Command is the decoded result of ReadCommand: exactly one of the typed
// fields is non-nil/meaningful, selected by Type.
type Command struct {
	Type         uint8
	Authenticate Authenticate
	Connect      Connect
	Packet       Packet
	Dissociate   Dissociate
}

// ReadCommand reads one full command (prelude + payload) from r. For
// CmdConnect, the address is consumed but the TCP payload that follows on
// the stream is left unread — the relay reads it directly.
func ReadCommand(r io.Reader) (Command, error) {
	var prelude [PreludeSize]byte
	if _, err := io.ReadFull(r, prelude[:]); err != nil {
		return Command{}, fmt.Errorf("%w: prelude: %v", ErrMalformedCommand, err)
	}
	if prelude[0] != Version {
		return Command{}, fmt.Errorf("%w: unsupported version 0x%02x", ErrMalformedCommand, prelude[0])
	}

	cmd := Command{Type: prelude[1]}
	switch prelude[1] {
	case CmdAuthenticate:
		a, err := decodeAuthenticate(r)
		if err != nil {
			return Command{}, err
		}
		cmd.Authenticate = a
	case CmdConnect:
		c, err := decodeConnect(r)
		if err != nil {
			return Command{}, err
		}
		cmd.Connect = c
	case CmdPacket:
		p, err := decodePacket(r)
		if err != nil {
			return Command{}, err
		}
		cmd.Packet = p
	case CmdDissociate:
		d, err := decodeDissociate(r)
		if err != nil {
			return Command{}, err
		}
		cmd.Dissociate = d
	case CmdHeartbeat:
		// no payload
	default:
		return Command{}, fmt.Errorf("%w: unknown command type 0x%02x", ErrMalformedCommand, prelude[1])
	}
	return cmd, nil
}

// DecodeDatagram decodes a single self-contained datagram payload (native
// UDP mode Packet, or a Heartbeat) received out-of-band from the QUIC
// unreliable-datagram channel.
func DecodeDatagram(b []byte) (Command, error) {
	return ReadCommand(bytes.NewReader(b))
}
