package dhcpwire_test

import (
	"net"
	"testing"

	"github.com/AdguardTeam/golibs/testutil"
	"github.com/google/go-cmp/cmp"
	"github.com/soofff/dhcpserver/internal/dhcpwire"
)

func testMessage() (m *dhcpwire.Message) {
	m = &dhcpwire.Message{
		Op:            dhcpwire.OpRequest,
		HType:         1,
		HLen:          6,
		Xid:           0x12345678,
		ClientIPAddr:  net.IPv4zero,
		YourIPAddr:    net.IPv4zero,
		ServerIPAddr:  net.IPv4zero,
		GatewayIPAddr: net.IPv4zero,
		ClientHWAddr:  net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff},
	}
	m.SetOption(dhcpwire.TagMessageType, []byte{byte(dhcpwire.MessageTypeDiscover)})

	return m
}

func TestEncode_magicCookieAndMinLength(t *testing.T) {
	buf := dhcpwire.Encode(testMessage())

	testutil.AssertErrorMsg(t, "", nil)

	if len(buf) < 300 {
		t.Fatalf("encoded packet too short: %d bytes", len(buf))
	}

	wantCookie := []byte{99, 130, 83, 99}
	if got := buf[236:240]; !cmpBytes(got, wantCookie) {
		t.Fatalf("magic cookie at offset 236 = %v, want %v", got, wantCookie)
	}

	if buf[len(buf)-1] != dhcpwire.TagEnd && !hasEndBeforePadding(buf[240:]) {
		t.Fatalf("no end option found")
	}
}

func cmpBytes(a, b []byte) (eq bool) {
	return cmp.Equal(a, b)
}

func hasEndBeforePadding(opts []byte) (ok bool) {
	for _, b := range opts {
		if b == dhcpwire.TagEnd {
			return true
		}
	}

	return false
}

func TestRoundTrip(t *testing.T) {
	orig := testMessage()
	orig.SetOption(10, []byte("hello"))

	buf := dhcpwire.Encode(orig)

	decoded, err := dhcpwire.Decode(buf)
	testutil.AssertErrorMsg(t, "", err)

	if decoded.Xid != orig.Xid {
		t.Errorf("xid = %#x, want %#x", decoded.Xid, orig.Xid)
	}

	if decoded.ClientHWAddr.String() != orig.ClientHWAddr.String() {
		t.Errorf("chaddr = %s, want %s", decoded.ClientHWAddr, orig.ClientHWAddr)
	}

	got, ok := decoded.Option(10)
	if !ok || string(got) != "hello" {
		t.Errorf("option 10 = %q, %v, want %q, true", got, ok, "hello")
	}
}

func TestRoundTrip_longOption(t *testing.T) {
	orig := testMessage()

	payload := make([]byte, 600)
	for i := range payload {
		payload[i] = byte(i % 256)
	}
	orig.SetOption(43, payload)

	buf := dhcpwire.Encode(orig)

	decoded, err := dhcpwire.Decode(buf)
	testutil.AssertErrorMsg(t, "", err)

	got, ok := decoded.Option(43)
	if !ok {
		t.Fatalf("option 43 missing after round-trip")
	}

	if !cmp.Equal(got, payload) {
		t.Errorf("long option payload mismatch after round-trip")
	}
}

func TestDecode_errors(t *testing.T) {
	testCases := []struct {
		name    string
		in      []byte
		wantErr error
	}{{
		name:    "too_short",
		in:      make([]byte, 10),
		wantErr: dhcpwire.ErrTooShort,
	}, {
		name: "bad_magic",
		in: func() []byte {
			buf := make([]byte, 300)

			return buf
		}(),
		wantErr: dhcpwire.ErrBadMagic,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := dhcpwire.Decode(tc.in)
			if err != tc.wantErr {
				t.Errorf("Decode() error = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestDecode_truncatedOption(t *testing.T) {
	m := testMessage()
	buf := dhcpwire.Encode(m)

	// Corrupt the first option's declared length to exceed the remaining
	// buffer, then drop the trailing bytes (including the end marker) so
	// the codec can't just find a later end tag.
	buf[240+1] = 250
	buf = buf[:260]

	_, err := dhcpwire.Decode(buf)
	if err != dhcpwire.ErrTruncatedOption {
		t.Errorf("Decode() error = %v, want %v", err, dhcpwire.ErrTruncatedOption)
	}
}
