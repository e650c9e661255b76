package dhcphandler_test

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/soofff/dhcpserver/internal/dhcpcache"
	"github.com/soofff/dhcpserver/internal/dhcphandler"
	"github.com/soofff/dhcpserver/internal/dhcppipe"
	"github.com/soofff/dhcpserver/internal/dhcptemplate"
	"github.com/soofff/dhcpserver/internal/dhcpwire"
)

func newTestHandler(t *testing.T, src *dhcppipe.Source, srv *httptest.Server) (h *dhcphandler.Handler) {
	t.Helper()

	logger := slogutil.NewDiscardLogger()

	cache := dhcpcache.New(&dhcpcache.Config{
		Logger: logger,
		Client: srv.Client(),
		Size:   10,
	})

	registry, err := dhcpwire.NewRegistry(nil)
	testutil.AssertErrorMsg(t, "", err)

	runner := dhcppipe.New(&dhcppipe.Config{
		Logger:   logger,
		Cache:    cache,
		Registry: registry,
		Renderer: dhcptemplate.New(),
	})

	return dhcphandler.New(&dhcphandler.Config{Logger: logger, Runner: runner, Source: src})
}

func discoverMessage() (m *dhcpwire.Message) {
	m = &dhcpwire.Message{
		Op:           dhcpwire.OpRequest,
		HType:        1,
		HLen:         6,
		Xid:          0xaabbccdd,
		ClientHWAddr: net.HardwareAddr{1, 2, 3, 4, 5, 6},
	}
	m.SetOption(dhcpwire.TagMessageType, []byte{byte(dhcpwire.MessageTypeDiscover)})

	return m
}

func TestHandler_Handle_discoverOffersBroadcastWhenCiaddrZero(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"address":"10.0.0.42"}`))
	}))
	t.Cleanup(srv.Close)

	src := &dhcppipe.Source{
		Hooks: map[dhcppipe.Hook]*dhcppipe.HookSpec{
			dhcppipe.HookOffer: {
				Queries: []dhcppipe.QuerySpec{{Name: "lease", Method: http.MethodGet, URL: srv.URL, Cache: time.Minute}},
				Mapping: []dhcppipe.MappingEntry{
					{Name: "client_ip_address", Data: "{{ results.lease.address }}", Required: true},
				},
			},
		},
	}

	h := newTestHandler(t, src, srv)

	req := discoverMessage()
	serverIP := net.IPv4(192, 168, 1, 1)

	ctx := testutil.ContextWithTimeout(t, 5*time.Second)
	rep := h.Handle(ctx, req, serverIP)
	if rep == nil {
		t.Fatal("Handle() = nil, want a reply")
	}

	if rep.Message.Op != dhcpwire.OpReply {
		t.Errorf("Op = %v, want OpReply", rep.Message.Op)
	}

	if rep.Message.Xid != req.Xid {
		t.Errorf("Xid = %x, want %x", rep.Message.Xid, req.Xid)
	}

	typ, ok := rep.Message.Type()
	if !ok || typ != dhcpwire.MessageTypeOffer {
		t.Errorf("Type() = %v, %v, want Offer", typ, ok)
	}

	if rep.Message.YourIPAddr.String() != "10.0.0.42" {
		t.Errorf("YourIPAddr = %v, want 10.0.0.42", rep.Message.YourIPAddr)
	}

	if rep.ViaHardwareAddr {
		t.Error("ViaHardwareAddr = true, want false (ciaddr zero forces broadcast)")
	}

	if !rep.Addr.IP.Equal(net.IPv4bcast) || rep.Addr.Port != 68 {
		t.Errorf("Addr = %v, want 255.255.255.255:68", rep.Addr)
	}
}

func TestHandler_Handle_unicastsToYiaddrViaHardwareAddr(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"address":"10.0.0.42"}`))
	}))
	t.Cleanup(srv.Close)

	src := &dhcppipe.Source{
		Hooks: map[dhcppipe.Hook]*dhcppipe.HookSpec{
			dhcppipe.HookOffer: {
				Queries: []dhcppipe.QuerySpec{{Name: "lease", Method: http.MethodGet, URL: srv.URL, Cache: time.Minute}},
				Mapping: []dhcppipe.MappingEntry{
					{Name: "client_ip_address", Data: "{{ results.lease.address }}", Required: true},
				},
			},
		},
	}

	h := newTestHandler(t, src, srv)

	req := discoverMessage()
	req.ClientIPAddr = net.IPv4(10, 0, 0, 5)

	ctx := testutil.ContextWithTimeout(t, 5*time.Second)
	rep := h.Handle(ctx, req, net.IPv4(192, 168, 1, 1))
	if rep == nil {
		t.Fatal("Handle() = nil, want a reply")
	}

	if !rep.ViaHardwareAddr {
		t.Error("ViaHardwareAddr = false, want true")
	}

	if !rep.Addr.IP.Equal(net.IPv4(10, 0, 0, 42)) || rep.Addr.Port != 68 {
		t.Errorf("Addr = %v, want 10.0.0.42:68", rep.Addr)
	}
}

func TestHandler_Handle_requestFailureYieldsNak(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	src := &dhcppipe.Source{
		Hooks: map[dhcppipe.Hook]*dhcppipe.HookSpec{
			dhcppipe.HookReserve: {
				Queries: []dhcppipe.QuerySpec{{Name: "lease", Method: http.MethodGet, URL: srv.URL}},
			},
		},
	}

	h := newTestHandler(t, src, srv)

	req := discoverMessage()
	req.SetOption(dhcpwire.TagMessageType, []byte{byte(dhcpwire.MessageTypeRequest)})
	req.SetBroadcast(true)

	ctx := testutil.ContextWithTimeout(t, 5*time.Second)
	rep := h.Handle(ctx, req, net.IPv4(192, 168, 1, 1))
	if rep == nil {
		t.Fatal("Handle() = nil, want a NAK reply")
	}

	typ, ok := rep.Message.Type()
	if !ok || typ != dhcpwire.MessageTypeNak {
		t.Errorf("Type() = %v, %v, want Nak", typ, ok)
	}

	if !rep.Addr.IP.Equal(net.IPv4bcast) {
		t.Errorf("Addr.IP = %v, want broadcast", rep.Addr.IP)
	}
}

func TestHandler_Handle_requestForOtherServerIgnored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("unexpected HTTP call")
	}))
	t.Cleanup(srv.Close)

	src := &dhcppipe.Source{Hooks: map[dhcppipe.Hook]*dhcppipe.HookSpec{}}
	h := newTestHandler(t, src, srv)

	req := discoverMessage()
	req.SetOption(dhcpwire.TagMessageType, []byte{byte(dhcpwire.MessageTypeRequest)})
	req.SetOption(dhcpwire.TagServerID, net.IPv4(10, 10, 10, 10).To4())

	ctx := testutil.ContextWithTimeout(t, 5*time.Second)
	rep := h.Handle(ctx, req, net.IPv4(192, 168, 1, 1))
	if rep != nil {
		t.Errorf("Handle() = %+v, want nil", rep)
	}
}

func TestHandler_Handle_declineHasNoReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	src := &dhcppipe.Source{Hooks: map[dhcppipe.Hook]*dhcppipe.HookSpec{}}
	h := newTestHandler(t, src, srv)

	req := discoverMessage()
	req.SetOption(dhcpwire.TagMessageType, []byte{byte(dhcpwire.MessageTypeDecline)})

	ctx := testutil.ContextWithTimeout(t, 5*time.Second)
	rep := h.Handle(ctx, req, net.IPv4(192, 168, 1, 1))
	if rep != nil {
		t.Errorf("Handle() = %+v, want nil", rep)
	}
}

func TestHandler_Handle_informUsesGiaddr(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	src := &dhcppipe.Source{Hooks: map[dhcppipe.Hook]*dhcppipe.HookSpec{dhcppipe.HookInform: {}}}
	h := newTestHandler(t, src, srv)

	req := discoverMessage()
	req.SetOption(dhcpwire.TagMessageType, []byte{byte(dhcpwire.MessageTypeInform)})
	req.ClientIPAddr = net.IPv4(10, 0, 0, 5)
	req.GatewayIPAddr = net.IPv4(10, 0, 0, 1)

	ctx := testutil.ContextWithTimeout(t, 5*time.Second)
	rep := h.Handle(ctx, req, net.IPv4(192, 168, 1, 1))
	if rep == nil {
		t.Fatal("Handle() = nil, want a reply")
	}

	if !rep.Addr.IP.Equal(net.IPv4(10, 0, 0, 1)) || rep.Addr.Port != 67 {
		t.Errorf("Addr = %v, want 10.0.0.1:67 (giaddr)", rep.Addr)
	}
}

func TestHandler_Handle_unrecognizedTypeDropped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("unexpected HTTP call")
	}))
	t.Cleanup(srv.Close)

	src := &dhcppipe.Source{Hooks: map[dhcppipe.Hook]*dhcppipe.HookSpec{}}
	h := newTestHandler(t, src, srv)

	req := discoverMessage()
	req.SetOption(dhcpwire.TagMessageType, []byte{0})

	ctx := testutil.ContextWithTimeout(t, 5*time.Second)
	rep := h.Handle(ctx, req, net.IPv4(192, 168, 1, 1))
	if rep != nil {
		t.Errorf("Handle() = %+v, want nil", rep)
	}
}
