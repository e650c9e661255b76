// Package dhcphandler classifies inbound DHCPv4 messages by type, invokes
// the matching resolution hook, and builds the reply message and its
// destination, per RFC 2131 section 4.1.
package dhcphandler

import (
	"context"
	"log/slog"
	"net"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/soofff/dhcpserver/internal/dhcppipe"
	"github.com/soofff/dhcpserver/internal/dhcpwire"
)

// ErrUnhandledType is logged (never returned to the caller) when an
// inbound message type has no reply rule; the packet is silently dropped,
// per the handler's classification table.
const ErrUnhandledType errors.Error = "unhandled message type"

// Reply carries a built message and where to send it.
type Reply struct {
	Message *dhcpwire.Message
	Addr    *net.UDPAddr

	// ViaHardwareAddr is true when Addr's IP is not yet ARP-resolvable
	// through normal routing (the yiaddr-unicast fallback) and delivery
	// needs a link-layer send to Message's destination hardware address
	// rather than a routed UDP send.
	ViaHardwareAddr bool
}

// Handler dispatches inbound messages to a [dhcppipe.Runner] and builds
// replies.
type Handler struct {
	logger *slog.Logger
	runner *dhcppipe.Runner
	source *dhcppipe.Source
}

// Config configures a [Handler].
type Config struct {
	Logger *slog.Logger
	Runner *dhcppipe.Runner
	Source *dhcppipe.Source
}

// New returns a new [Handler]. conf must not be nil.
func New(conf *Config) (h *Handler) {
	return &Handler{
		logger: conf.Logger,
		runner: conf.Runner,
		source: conf.Source,
	}
}

// Handle classifies req and returns the reply to send, or nil if req
// warrants none (a side-effect-only hook, a reply-bearing hook the source
// does not configure, or an unrecognized message type). serverIP is the
// listener's bound address for this packet.
func (h *Handler) Handle(ctx context.Context, req *dhcpwire.Message, serverIP net.IP) (rep *Reply) {
	typ, ok := req.Type()
	if !ok {
		h.logger.DebugContext(ctx, "skipping message without type")

		return nil
	}

	switch typ {
	case dhcpwire.MessageTypeDiscover:
		return h.handle(ctx, req, serverIP, dhcppipe.HookOffer, dhcpwire.MessageTypeOffer)
	case dhcpwire.MessageTypeRequest:
		return h.handleRequest(ctx, req, serverIP)
	case dhcpwire.MessageTypeDecline:
		h.sideEffect(ctx, req, serverIP, dhcppipe.HookDecline)

		return nil
	case dhcpwire.MessageTypeRelease:
		h.sideEffect(ctx, req, serverIP, dhcppipe.HookRelease)

		return nil
	case dhcpwire.MessageTypeInform:
		return h.handle(ctx, req, serverIP, dhcppipe.HookInform, dhcpwire.MessageTypeAck)
	default:
		h.logger.DebugContext(ctx, "dropping message", "type", typ, errKey, ErrUnhandledType)

		return nil
	}
}

// errKey names the structured logging attribute used for non-fatal
// classification errors, without importing the whole slogutil package
// for one constant.
const errKey = "err"

// handleRequest resolves a REQUEST, replying ACK on success or NAK on
// resolution failure. A REQUEST carrying a server identifier that does
// not match serverIP is silently ignored: the client selected a different
// server's offer.
func (h *Handler) handleRequest(ctx context.Context, req *dhcpwire.Message, serverIP net.IP) (rep *Reply) {
	if srvID, ok := serverIDOf(req); ok && !srvID.Equal(serverIP) {
		h.logger.DebugContext(ctx, "skipping request for other server", "server_id", srvID)

		return nil
	}

	return h.handle(ctx, req, serverIP, dhcppipe.HookReserve, dhcpwire.MessageTypeAck)
}

// handle runs hook, builds a reply of okType on success, or a NAK when
// hook is the reserve hook and resolution fails. Other hooks that fail to
// resolve yield no reply at all, and a hook the source does not configure
// yields no reply either.
func (h *Handler) handle(
	ctx context.Context,
	req *dhcpwire.Message,
	serverIP net.IP,
	hook dhcppipe.Hook,
	okType dhcpwire.MessageType,
) (rep *Reply) {
	if _, ok := h.source.Hooks[hook]; !ok {
		h.logger.DebugContext(ctx, "skipping message for unconfigured hook", "hook", hook)

		return nil
	}

	res, err := h.runner.Resolve(ctx, h.source, hook, packetInfo(req, serverIP))
	if err != nil {
		h.logger.WarnContext(ctx, "resolving", "hook", hook, errKey, err)

		if hook == dhcppipe.HookReserve {
			return h.buildReply(req, serverIP, dhcpwire.MessageTypeNak, nil)
		}

		return nil
	}

	return h.buildReply(req, serverIP, okType, res)
}

// sideEffect runs hook for its side effects only. Query failures are
// logged by the runner and do not fail resolution for these hooks; any
// other resolution error is logged here.
func (h *Handler) sideEffect(ctx context.Context, req *dhcpwire.Message, serverIP net.IP, hook dhcppipe.Hook) {
	_, err := h.runner.Resolve(ctx, h.source, hook, packetInfo(req, serverIP))
	if err != nil {
		h.logger.WarnContext(ctx, "resolving", "hook", hook, errKey, err)
	}
}

// packetInfo builds the pipeline's initial packet info from req.
func packetInfo(req *dhcpwire.Message, serverIP net.IP) (info *dhcppipe.PacketInfo) {
	return &dhcppipe.PacketInfo{
		ClientHardwareAddress: req.ClientHWAddr,
		ClientIPAddress:       orZero(req.ClientIPAddr),
		ClientHostname:        hostnameOf(req),
		ServerIPAddress:       serverIP,
	}
}

// orZero returns ip, or the zero address if ip is nil.
func orZero(ip net.IP) (out net.IP) {
	if ip == nil {
		return net.IPv4zero
	}

	return ip
}

// hostnameOf returns the client's requested hostname from option 12, if
// present.
func hostnameOf(req *dhcpwire.Message) (hostname string) {
	data, ok := req.Option(dhcpwire.TagHostName)
	if !ok {
		return ""
	}

	return string(data)
}

// serverIDOf returns the server identifier (option 54) carried in req, if
// present and a valid IPv4 address.
func serverIDOf(req *dhcpwire.Message) (ip net.IP, ok bool) {
	data, ok := req.Option(dhcpwire.TagServerID)
	if !ok || len(data) != net.IPv4len {
		return nil, false
	}

	return net.IP(data), true
}

// buildReply constructs the reply message: xid/htype/hlen/chaddr/flags/
// giaddr are copied from req, siaddr is set to serverIP, option 54
// (server identifier) is always set to serverIP, option 53 (message type)
// is set to typ. res is nil for a bare NAK.
func (h *Handler) buildReply(
	req *dhcpwire.Message,
	serverIP net.IP,
	typ dhcpwire.MessageType,
	res *dhcppipe.Result,
) (rep *Reply) {
	msg := &dhcpwire.Message{
		Op:            dhcpwire.OpReply,
		HType:         req.HType,
		HLen:          req.HLen,
		Xid:           req.Xid,
		Flags:         req.Flags,
		ClientHWAddr:  req.ClientHWAddr,
		GatewayIPAddr: req.GatewayIPAddr,
		ServerIPAddr:  serverIP,
	}

	if res != nil {
		msg.YourIPAddr = res.YourIPAddr

		for _, opt := range res.Options {
			msg.SetOption(opt.Tag, opt.Data)
		}
	}

	msg.SetOption(dhcpwire.TagMessageType, []byte{byte(typ)})
	msg.SetOption(dhcpwire.TagServerID, serverIP.To4())

	addr, viaHW := replyDestination(req, msg, typ)

	return &Reply{Message: msg, Addr: addr, ViaHardwareAddr: viaHW}
}

// replyDestination implements the reply destination rules: giaddr
// unicast, ciaddr unicast for an ACK/NAK answering an INFORM or a renewing
// REQUEST (client already carries a non-zero ciaddr, by protocol
// definition the same condition), broadcast when the broadcast flag is
// set or ciaddr is zero, and otherwise unicast to yiaddr via the client's
// hardware address.
func replyDestination(
	req *dhcpwire.Message,
	reply *dhcpwire.Message,
	typ dhcpwire.MessageType,
) (addr *net.UDPAddr, viaHWAddr bool) {
	if !isZeroIP(req.GatewayIPAddr) {
		return &net.UDPAddr{IP: req.GatewayIPAddr, Port: 67}, false
	}

	isInformOrRenewAck := (typ == dhcpwire.MessageTypeAck || typ == dhcpwire.MessageTypeNak) &&
		!isZeroIP(req.ClientIPAddr)
	if isInformOrRenewAck {
		return &net.UDPAddr{IP: req.ClientIPAddr, Port: 68}, false
	}

	if req.Broadcast() || isZeroIP(req.ClientIPAddr) {
		return &net.UDPAddr{IP: net.IPv4bcast, Port: 68}, false
	}

	return &net.UDPAddr{IP: reply.YourIPAddr, Port: 68}, true
}

// isZeroIP reports whether ip is nil or the unspecified IPv4 address.
func isZeroIP(ip net.IP) (ok bool) {
	return ip == nil || ip.Equal(net.IPv4zero) || ip.IsUnspecified()
}
