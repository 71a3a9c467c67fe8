// Package protocol implements the TUIC wire codec (§4.1): command preludes,
// address encoding, and the fixed set of command payloads a TUIC server
// understands.
package protocol

// Version is the single TUIC protocol version this server understands.
const Version uint8 = 0x05

// Command type constants (§4.1 table).
const (
	CmdAuthenticate uint8 = 0x00
	CmdConnect      uint8 = 0x01
	CmdPacket       uint8 = 0x02
	CmdDissociate   uint8 = 0x03
	CmdHeartbeat    uint8 = 0x04
)

// Address type tags.
const (
	AddrNone   uint8 = 0xff
	AddrDomain uint8 = 0x00
	AddrIPv4   uint8 = 0x01
	AddrIPv6   uint8 = 0x02
)

// Field sizes.
const (
	UUIDSize  = 16
	TokenSize = 32

	// PreludeSize is the version+command-type prefix every command starts with.
	PreludeSize = 2

	// PacketHeaderSize is the fixed portion of a Packet command that
	// precedes the Address: prelude + assoc_id + pkt_id + frag_total +
	// frag_id + size (§4.2's "PacketHeaderSize").
	PacketHeaderSize = PreludeSize + 2 + 2 + 1 + 1 + 2
)

// CommandName returns a human-readable name for a command type, for logging.
func CommandName(t uint8) string {
	switch t {
	case CmdAuthenticate:
		return "AUTHENTICATE"
	case CmdConnect:
		return "CONNECT"
	case CmdPacket:
		return "PACKET"
	case CmdDissociate:
		return "DISSOCIATE"
	case CmdHeartbeat:
		return "HEARTBEAT"
	default:
		return "UNKNOWN"
	}
}
