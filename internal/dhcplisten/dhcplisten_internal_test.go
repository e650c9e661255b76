package dhcplisten

import (
	"net"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/soofff/dhcpserver/internal/dhcphandler"
	"github.com/soofff/dhcpserver/internal/dhcppipe"
	"github.com/soofff/dhcpserver/internal/dhcpwire"
)

// fakePacketConn substitutes net.PacketConn's WriteTo method for tests.
type fakePacketConn struct {
	writeTo func(p []byte, addr net.Addr) (n int, err error)
	net.PacketConn
}

func (fc *fakePacketConn) WriteTo(p []byte, addr net.Addr) (n int, err error) {
	return fc.writeTo(p, addr)
}

func testHandler(t *testing.T) (h *dhcphandler.Handler) {
	t.Helper()

	registry, err := dhcpwire.NewRegistry(nil)
	testutil.AssertErrorMsg(t, "", err)

	runner := dhcppipe.New(&dhcppipe.Config{
		Logger:   slogutil.NewDiscardLogger(),
		Registry: registry,
	})

	src := &dhcppipe.Source{Hooks: map[dhcppipe.Hook]*dhcppipe.HookSpec{}}

	return dhcphandler.New(&dhcphandler.Config{
		Logger: slogutil.NewDiscardLogger(),
		Runner: runner,
		Source: src,
	})
}

func TestListener_send_unicast(t *testing.T) {
	var gotAddr net.Addr

	udpConn := &fakePacketConn{
		writeTo: func(p []byte, addr net.Addr) (n int, err error) {
			gotAddr = addr

			return len(p), nil
		},
	}

	l := &Listener{
		logger:   slogutil.NewDiscardLogger(),
		handler:  testHandler(t),
		udpConn:  udpConn,
		serverIP: net.IPv4(192, 168, 1, 1),
	}

	rep := &dhcphandler.Reply{
		Message: &dhcpwire.Message{},
		Addr:    &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: ClientPort},
	}

	err := l.send(rep)
	testutil.AssertErrorMsg(t, "", err)

	if gotAddr.(*net.UDPAddr).IP.String() != "10.0.0.1" {
		t.Errorf("gotAddr = %v, want 10.0.0.1", gotAddr)
	}
}

func TestListener_send_viaHardwareAddrWithoutRawSocketFallsBackToBroadcast(t *testing.T) {
	var gotAddr net.Addr

	udpConn := &fakePacketConn{
		writeTo: func(p []byte, addr net.Addr) (n int, err error) {
			gotAddr = addr

			return len(p), nil
		},
	}

	l := &Listener{
		logger:   slogutil.NewDiscardLogger(),
		handler:  testHandler(t),
		udpConn:  udpConn,
		serverIP: net.IPv4(192, 168, 1, 1),
	}

	rep := &dhcphandler.Reply{
		Message:         &dhcpwire.Message{},
		Addr:            &net.UDPAddr{IP: net.IPv4(10, 0, 0, 42), Port: ClientPort},
		ViaHardwareAddr: true,
	}

	err := l.send(rep)
	testutil.AssertErrorMsg(t, "", err)

	got := gotAddr.(*net.UDPAddr)
	if !got.IP.Equal(net.IPv4bcast) || got.Port != ClientPort {
		t.Errorf("gotAddr = %v, want broadcast:%d", gotAddr, ClientPort)
	}
}

func TestListener_handlePacket_malformedPacketIgnored(t *testing.T) {
	var called bool

	udpConn := &fakePacketConn{
		writeTo: func(p []byte, addr net.Addr) (n int, err error) {
			called = true

			return 0, nil
		},
	}

	l := &Listener{
		logger:   slogutil.NewDiscardLogger(),
		handler:  testHandler(t),
		udpConn:  udpConn,
		serverIP: net.IPv4(192, 168, 1, 1),
	}

	l.handlePacket(testutil.ContextWithTimeout(t, time.Second), []byte{1, 2, 3})

	if called {
		t.Error("handlePacket() wrote a reply for an undecodable packet")
	}
}
