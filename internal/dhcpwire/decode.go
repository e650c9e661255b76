package dhcpwire

import (
	"encoding/binary"
	"net"
)

// Fixed-header field offsets and lengths, per RFC 2131 figure 1.
const (
	offOp     = 0
	offHType  = 1
	offHLen   = 2
	offHops   = 3
	offXid    = 4
	offSecs   = 8
	offFlags  = 10
	offCiaddr = 12
	offYiaddr = 16
	offSiaddr = 20
	offGiaddr = 24
	offChaddr = 28
	lenChaddr = 16
	offSname  = 44
	lenSname  = 64
	offFile   = 108
	lenFile   = 128
	offCookie = 236
	offOpts   = 240
)

// Decode parses buf as a DHCPv4 message. It fails with one of
// [ErrTooShort], [ErrBadMagic], [ErrBadHardwareAddr], [ErrTruncatedOption],
// or [ErrNoEnd].
func Decode(buf []byte) (m *Message, err error) {
	if len(buf) < minPacketLen {
		return nil, ErrTooShort
	}

	if [4]byte(buf[offCookie:offCookie+4]) != magicCookie {
		return nil, ErrBadMagic
	}

	m = &Message{
		Op:    Op(buf[offOp]),
		HType: buf[offHType],
		HLen:  buf[offHLen],
		Hops:  buf[offHops],
		Xid:   binary.BigEndian.Uint32(buf[offXid:]),
		Secs:  binary.BigEndian.Uint16(buf[offSecs:]),
		Flags: binary.BigEndian.Uint16(buf[offFlags:]),
	}

	m.ClientIPAddr = net.IP(append(net.IP(nil), buf[offCiaddr:offCiaddr+4]...))
	m.YourIPAddr = net.IP(append(net.IP(nil), buf[offYiaddr:offYiaddr+4]...))
	m.ServerIPAddr = net.IP(append(net.IP(nil), buf[offSiaddr:offSiaddr+4]...))
	m.GatewayIPAddr = net.IP(append(net.IP(nil), buf[offGiaddr:offGiaddr+4]...))

	hlen := int(m.HLen)
	if hlen > lenChaddr {
		return nil, ErrBadHardwareAddr
	}
	if hlen == 0 {
		hlen = 6
	}
	m.ClientHWAddr = net.HardwareAddr(append(net.HardwareAddr(nil), buf[offChaddr:offChaddr+hlen]...))

	m.SName = trimZero(buf[offSname : offSname+lenSname])
	m.File = trimZero(buf[offFile : offFile+lenFile])

	m.Options, err = decodeOptions(buf[offOpts:])
	if err != nil {
		return nil, err
	}

	return m, nil
}

// trimZero cuts b at the first NUL byte and returns the rest as a string.
func trimZero(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}

	return string(b)
}

// decodeOptions parses the options region of a packet (everything after the
// magic cookie). Options with the same tag are concatenated in declaration
// order, per RFC 3396.
func decodeOptions(buf []byte) (opts []Option, err error) {
	values := map[byte][]byte{}
	order := []byte{}

	seenEnd := false
	i := 0
	for i < len(buf) {
		tag := buf[i]
		if tag == TagEnd {
			seenEnd = true

			break
		}

		if tag == TagPad {
			i++

			continue
		}

		if i+1 >= len(buf) {
			return nil, ErrTruncatedOption
		}

		length := int(buf[i+1])
		start := i + 2
		end := start + length
		if end > len(buf) {
			return nil, ErrTruncatedOption
		}

		if _, ok := values[tag]; !ok {
			order = append(order, tag)
		}
		values[tag] = append(values[tag], buf[start:end]...)

		i = end
	}

	if !seenEnd {
		return nil, ErrNoEnd
	}

	opts = make([]Option, 0, len(order))
	for _, tag := range order {
		opts = append(opts, Option{Tag: tag, Data: values[tag]})
	}

	return opts, nil
}
