// Package dhcpwire implements bit-exact encoding and decoding of DHCPv4
// messages (RFC 2131) and the typed option registry used to project
// rendered configuration values onto the wire (RFC 2132).
package dhcpwire

import (
	"net"

	"github.com/AdguardTeam/golibs/errors"
)

// Op is the BOOTP opcode carried in a message's fixed header.
type Op uint8

// Opcodes recognized on the wire.
const (
	OpRequest Op = 1
	OpReply   Op = 2
)

// MessageType is the value of option 53, classifying a DHCP exchange.
type MessageType uint8

// Message types defined by RFC 2132 section 9.6.
const (
	MessageTypeDiscover MessageType = 1
	MessageTypeOffer    MessageType = 2
	MessageTypeRequest  MessageType = 3
	MessageTypeDecline  MessageType = 4
	MessageTypeAck      MessageType = 5
	MessageTypeNak      MessageType = 6
	MessageTypeRelease  MessageType = 7
	MessageTypeInform   MessageType = 8
)

// Reserved option tags that never appear as [Option] entries; the codec
// handles them positionally.
const (
	TagPad byte = 0
	TagEnd byte = 255
)

// Well-known option tags referenced directly by the handler and pipeline.
const (
	TagMessageType     byte = 53
	TagServerID        byte = 54
	TagRequestedIP     byte = 50
	TagHostName        byte = 12
	TagParamsRequest   byte = 55
	TagIPAddrLeaseTime byte = 51
)

// minPacketLen is the smallest buffer [Decode] accepts: the fixed BOOTP
// header (236 bytes) plus the 4-byte magic cookie.
const minPacketLen = 236 + 4

// minEncodedLen is the minimum length an encoded packet is padded to, per
// the BOOTP minimum transmission unit.
const minEncodedLen = 300

// magicCookie is the 4-byte marker that must immediately follow the fixed
// header.
var magicCookie = [4]byte{99, 130, 83, 99}

// Wire errors returned by [Decode].
const (
	ErrTooShort        errors.Error = "too short"
	ErrBadMagic        errors.Error = "bad magic cookie"
	ErrTruncatedOption errors.Error = "truncated option"
	ErrNoEnd           errors.Error = "no end option"
	ErrBadHardwareAddr errors.Error = "bad hardware address length"
)

// Option is a single TLV option entry: tag and payload. Payloads longer
// than 255 bytes are split across multiple same-tag TLVs on the wire by
// [Encode] and reassembled by [Decode], per RFC 3396.
type Option struct {
	Tag  byte
	Data []byte
}

// Message is one inbound or outbound DHCPv4 packet.
type Message struct {
	ClientHWAddr net.HardwareAddr
	SName        string
	File         string
	Options      []Option

	ClientIPAddr  net.IP
	YourIPAddr    net.IP
	ServerIPAddr  net.IP
	GatewayIPAddr net.IP

	Xid   uint32
	Secs  uint16
	Flags uint16

	Op    Op
	HType byte
	HLen  byte
	Hops  byte
}

// broadcastFlag is bit 0 of the flags field (network byte order: the
// high-order bit of the first octet).
const broadcastFlag uint16 = 0x8000

// Broadcast reports whether the client set the broadcast flag.
func (m *Message) Broadcast() bool {
	return m.Flags&broadcastFlag != 0
}

// SetBroadcast sets or clears the broadcast flag.
func (m *Message) SetBroadcast(b bool) {
	if b {
		m.Flags |= broadcastFlag
	} else {
		m.Flags &^= broadcastFlag
	}
}

// Type returns the message's classification from option 53, and whether it
// was present. A DHCP (as opposed to BOOTP) message always carries it.
func (m *Message) Type() (typ MessageType, ok bool) {
	for _, o := range m.Options {
		if o.Tag == TagMessageType && len(o.Data) == 1 {
			return MessageType(o.Data[0]), true
		}
	}

	return 0, false
}

// Option returns the first option entry with the given tag, and whether it
// was found. Long options are already reassembled into a single logical
// entry by [Decode], so callers never see a split value here.
func (m *Message) Option(tag byte) (data []byte, ok bool) {
	for _, o := range m.Options {
		if o.Tag == tag {
			return o.Data, true
		}
	}

	return nil, false
}

// SetOption replaces the first option entry with the given tag, or appends
// a new one if none exists.
func (m *Message) SetOption(tag byte, data []byte) {
	for i, o := range m.Options {
		if o.Tag == tag {
			m.Options[i].Data = data

			return
		}
	}

	m.Options = append(m.Options, Option{Tag: tag, Data: data})
}
