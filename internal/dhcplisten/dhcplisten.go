// Package dhcplisten runs a pool of UDP listener sockets, decodes inbound
// DHCPv4 packets, hands them to a [dhcphandler.Handler], and delivers the
// replies to their computed destination — routed UDP for giaddr/ciaddr/
// broadcast destinations, and a raw link-layer unicast for the
// yiaddr-via-hardware-address fallback, since that destination is not yet
// ARP-resolvable.
package dhcplisten

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/mdlayher/ethernet"
	"github.com/mdlayher/packet"
	"golang.org/x/sync/errgroup"

	"github.com/soofff/dhcpserver/internal/dhcphandler"
	"github.com/soofff/dhcpserver/internal/dhcpwire"
)

// ServerPort and ClientPort are the well-known DHCPv4 UDP ports, per RFC
// 2131 section 4.1.
const (
	ServerPort = 67
	ClientPort = 68
)

// maxPacketLen is the largest buffer a read can fill; DHCP options rarely
// approach it, but a malicious or buggy peer could pad a BOOTP frame this
// far.
const maxPacketLen = 1500

// Listener binds one UDP socket to a configured address and, optionally,
// a raw packet socket on iface for hardware-address unicast delivery.
type Listener struct {
	logger   *slog.Logger
	handler  *dhcphandler.Handler
	udpConn  net.PacketConn
	rawConn  net.PacketConn
	iface    *net.Interface
	serverIP net.IP
}

// Config configures one [Listener].
type Config struct {
	Logger *slog.Logger
	// Handler resolves and builds replies for every decoded packet.
	Handler *dhcphandler.Handler
	// Addr is the local address to bind, e.g. "0.0.0.0:67".
	Addr string
	// Interface, if set, is the egress interface for raw hardware-address
	// unicast. If nil, the yiaddr-unicast-via-hardware-address case falls
	// back to a UDP broadcast.
	Interface *net.Interface
	// ServerIP is the address reported to clients as the DHCP server
	// identifier and siaddr.
	ServerIP net.IP
}

// New binds conf.Addr and returns a ready [Listener]. If conf.Interface is
// set, it also opens a raw packet socket for hardware-address unicast.
func New(conf *Config) (l *Listener, err error) {
	defer func() { err = errors.Annotate(err, "opening dhcp listener: %w") }()

	lc := net.ListenConfig{Control: controlReusableBroadcast}

	udpConn, err := lc.ListenPacket(context.Background(), "udp4", conf.Addr)
	if err != nil {
		return nil, fmt.Errorf("binding %s: %w", conf.Addr, err)
	}

	var rawConn net.PacketConn
	if conf.Interface != nil {
		rawConn, err = packet.Listen(conf.Interface, packet.Raw, int(ethernet.EtherTypeIPv4), nil)
		if err != nil {
			_ = udpConn.Close()

			return nil, fmt.Errorf("opening raw socket on %s: %w", conf.Interface.Name, err)
		}
	}

	logger := conf.Logger
	if logger == nil {
		logger = slogutil.NewDiscardLogger()
	}

	return &Listener{
		logger:   logger,
		handler:  conf.Handler,
		udpConn:  udpConn,
		rawConn:  rawConn,
		iface:    conf.Interface,
		serverIP: conf.ServerIP,
	}, nil
}

// Close closes the underlying sockets.
func (l *Listener) Close() (err error) {
	var errs []error

	if l.rawConn != nil {
		errs = append(errs, l.rawConn.Close())
	}

	errs = append(errs, l.udpConn.Close())

	return errors.Join(errs...)
}

// Serve reads packets from l until ctx is canceled or the socket is
// closed, handling each one synchronously. A malformed packet is logged
// and skipped; it never stops the loop.
func (l *Listener) Serve(ctx context.Context) (err error) {
	l.logger.InfoContext(ctx, "listening", "addr", l.udpConn.LocalAddr())

	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	buf := make([]byte, maxPacketLen)
	for {
		n, _, rerr := l.udpConn.ReadFrom(buf)
		if rerr != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("reading: %w", rerr)
		}

		l.handlePacket(ctx, buf[:n])
	}
}

// handlePacket decodes and dispatches one inbound datagram, logging and
// discarding it on any failure.
func (l *Listener) handlePacket(ctx context.Context, buf []byte) {
	req, err := dhcpwire.Decode(buf)
	if err != nil {
		l.logger.DebugContext(ctx, "decoding packet", slogutil.KeyError, err)

		return
	}

	rep := l.handler.Handle(ctx, req, l.serverIP)
	if rep == nil {
		return
	}

	err = l.send(rep)
	if err != nil {
		l.logger.WarnContext(ctx, "sending reply", slogutil.KeyError, err)
	}
}

// send delivers rep to its computed destination, using a raw link-layer
// unicast when the destination is not yet routable (ViaHardwareAddr) and
// a raw socket is available, UDP otherwise.
func (l *Listener) send(rep *dhcphandler.Reply) (err error) {
	data := dhcpwire.Encode(rep.Message)

	if rep.ViaHardwareAddr && l.rawConn != nil {
		return l.sendRaw(data, rep)
	}

	if rep.ViaHardwareAddr {
		// No raw socket configured for this listener; fall back to a UDP
		// broadcast so the client still has a chance to see the reply.
		_, err = l.udpConn.WriteTo(data, &net.UDPAddr{IP: net.IPv4bcast, Port: ClientPort})

		return err
	}

	_, err = l.udpConn.WriteTo(data, rep.Addr)

	return err
}

// ipv4DefaultTTL is RFC 1700's recommended default Time To Live.
const ipv4DefaultTTL = 64

// sendRaw frames data as Ethernet/IPv4/UDP and writes it directly to the
// client's hardware address, bypassing IP routing and ARP for a peer that
// does not yet have a usable route to its offered address.
func (l *Listener) sendRaw(data []byte, rep *dhcphandler.Reply) (err error) {
	udpLayer := &layers.UDP{SrcPort: ServerPort, DstPort: ClientPort}
	ipLayer := &layers.IPv4{
		Version:  4,
		TTL:      ipv4DefaultTTL,
		Protocol: layers.IPProtocolUDP,
		Flags:    layers.IPv4DontFragment,
		SrcIP:    l.serverIP,
		DstIP:    rep.Addr.IP,
	}

	err = udpLayer.SetNetworkLayerForChecksum(ipLayer)
	if err != nil {
		return fmt.Errorf("setting checksum layer: %w", err)
	}

	ethLayer := &layers.Ethernet{
		SrcMAC:       l.iface.HardwareAddr,
		DstMAC:       rep.Message.ClientHWAddr,
		EthernetType: layers.EthernetTypeIPv4,
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

	err = gopacket.SerializeLayers(buf, opts, ethLayer, ipLayer, udpLayer, gopacket.Payload(data))
	if err != nil {
		return fmt.Errorf("serializing frame: %w", err)
	}

	_, err = l.rawConn.WriteTo(buf.Bytes(), &packet.Addr{HardwareAddr: rep.Message.ClientHWAddr})

	return err
}

// Pool supervises a set of [Listener]s, one per configured address.
type Pool struct {
	listeners []*Listener
}

// NewPool returns a [Pool] wrapping listeners.
func NewPool(listeners []*Listener) (p *Pool) {
	return &Pool{listeners: listeners}
}

// Serve runs every listener's [Listener.Serve] concurrently and returns
// when ctx is canceled or any listener fails, stopping the others.
func (p *Pool) Serve(ctx context.Context) (err error) {
	group, gctx := errgroup.WithContext(ctx)

	for _, l := range p.listeners {
		group.Go(func() error { return l.Serve(gctx) })
	}

	return group.Wait()
}

// Close closes every listener in the pool.
func (p *Pool) Close() (err error) {
	var errs []error
	for _, l := range p.listeners {
		errs = append(errs, l.Close())
	}

	return errors.Join(errs...)
}
