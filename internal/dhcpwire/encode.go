package dhcpwire

import (
	"encoding/binary"
	"net"
)

// maxOptionChunk is the largest payload a single TLV can carry.
const maxOptionChunk = 255

// Encode serializes m to its wire form. The result always begins with the
// magic cookie at offset 236, ends with the tag-255 end marker, and is
// padded to at least 300 bytes (the BOOTP minimum). Option 53 (message
// type) is emitted first, option 54 (server identifier) second if present,
// the rest in insertion order. Options longer than 255 bytes are split into
// multiple same-tag chunks (RFC 3396).
func Encode(m *Message) (buf []byte) {
	buf = make([]byte, offOpts, minEncodedLen)

	buf[offOp] = byte(m.Op)
	buf[offHType] = m.HType
	buf[offHLen] = m.HLen
	buf[offHops] = m.Hops
	binary.BigEndian.PutUint32(buf[offXid:], m.Xid)
	binary.BigEndian.PutUint16(buf[offSecs:], m.Secs)
	binary.BigEndian.PutUint16(buf[offFlags:], m.Flags)

	putIPv4(buf[offCiaddr:offCiaddr+4], m.ClientIPAddr)
	putIPv4(buf[offYiaddr:offYiaddr+4], m.YourIPAddr)
	putIPv4(buf[offSiaddr:offSiaddr+4], m.ServerIPAddr)
	putIPv4(buf[offGiaddr:offGiaddr+4], m.GatewayIPAddr)

	copy(buf[offChaddr:offChaddr+lenChaddr], m.ClientHWAddr)
	copy(buf[offSname:offSname+lenSname], m.SName)
	copy(buf[offFile:offFile+lenFile], m.File)

	buf = append(buf, magicCookie[:]...)
	buf = append(buf, encodeOptions(m.Options)...)
	buf = append(buf, TagEnd)

	for len(buf) < minEncodedLen {
		buf = append(buf, TagPad)
	}

	return buf
}

// putIPv4 writes the 4-byte big-endian form of ip into dst, leaving it
// zeroed if ip is nil or not a valid IPv4 address.
func putIPv4(dst []byte, ip net.IP) {
	v4 := ip.To4()
	if v4 == nil {
		return
	}

	copy(dst, v4)
}

// encodeOptions serializes opts per RFC 2131 §4.1: message type (53)
// first, server identifier (54) second if present, then the rest in
// insertion order.
func encodeOptions(opts []Option) (buf []byte) {
	var typeOpt, serverOpt *Option
	rest := make([]Option, 0, len(opts))

	for i := range opts {
		switch opts[i].Tag {
		case TagMessageType:
			typeOpt = &opts[i]
		case TagServerID:
			serverOpt = &opts[i]
		default:
			rest = append(rest, opts[i])
		}
	}

	if typeOpt != nil {
		buf = appendOption(buf, *typeOpt)
	}
	if serverOpt != nil {
		buf = appendOption(buf, *serverOpt)
	}
	for _, o := range rest {
		buf = appendOption(buf, o)
	}

	return buf
}

// appendOption appends o's TLV encoding to buf, splitting payloads longer
// than 255 bytes into multiple same-tag chunks.
func appendOption(buf []byte, o Option) []byte {
	data := o.Data
	if len(data) == 0 {
		return append(buf, o.Tag, 0)
	}

	for len(data) > 0 {
		n := len(data)
		if n > maxOptionChunk {
			n = maxOptionChunk
		}

		buf = append(buf, o.Tag, byte(n))
		buf = append(buf, data[:n]...)
		data = data[n:]
	}

	return buf
}
