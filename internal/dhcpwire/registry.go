package dhcpwire

import (
	"fmt"
	"net"
	"strconv"

	"github.com/AdguardTeam/golibs/errors"
)

// OptionKind is the wire encoding of a named or custom DHCP option.
type OptionKind string

// Recognized option kinds, each with a fixed wire encoding. See
// [EncodeValue] for the encoding rules.
const (
	KindIPv4     OptionKind = "ipv4"
	KindIPv4List OptionKind = "ipv4_list"
	KindString   OptionKind = "string"
	KindU8       OptionKind = "u8"
	KindU16      OptionKind = "u16"
	KindU32      OptionKind = "u32"
	KindBool     OptionKind = "bool"
	KindBytes    OptionKind = "bytes"
)

// OptionSpec binds a canonical option name to its wire tag and kind.
type OptionSpec struct {
	Name string
	Tag  byte
	Kind OptionKind
}

// namedOptions is the static set of options recognized by name, per RFC 2132
// and spec.md §6 ("subnet_mask ... through
// street_talk_directory_assistance_server").
var namedOptions = []OptionSpec{
	{"subnet_mask", 1, KindIPv4},
	{"time_offset", 2, KindU32},
	{"router", 3, KindIPv4List},
	{"time_server", 4, KindIPv4List},
	{"name_server", 5, KindIPv4List},
	{"domain_name_server", 6, KindIPv4List},
	{"log_server", 7, KindIPv4List},
	{"cookie_server", 8, KindIPv4List},
	{"lpr_server", 9, KindIPv4List},
	{"impress_server", 10, KindIPv4List},
	{"resource_location_server", 11, KindIPv4List},
	{"host_name", 12, KindString},
	{"boot_file_size", 13, KindU16},
	{"merit_dump_file", 14, KindString},
	{"domain_name", 15, KindString},
	{"swap_server", 16, KindIPv4},
	{"root_path", 17, KindString},
	{"extensions_path", 18, KindString},
	{"ip_forwarding", 19, KindBool},
	{"non_local_source_routing", 20, KindBool},
	{"policy_filter", 21, KindBytes},
	{"max_datagram_reassembly_size", 22, KindU16},
	{"default_ip_ttl", 23, KindU8},
	{"path_mtu_aging_timeout", 24, KindU32},
	{"path_mtu_plateau_table", 25, KindBytes},
	{"interface_mtu", 26, KindU16},
	{"all_subnets_local", 27, KindBool},
	{"broadcast_address", 28, KindIPv4},
	{"perform_mask_discovery", 29, KindBool},
	{"mask_supplier", 30, KindBool},
	{"perform_router_discovery", 31, KindBool},
	{"router_solicitation_address", 32, KindIPv4},
	{"static_route", 33, KindBytes},
	{"trailer_encapsulation", 34, KindBool},
	{"arp_cache_timeout", 35, KindU32},
	{"ethernet_encapsulation", 36, KindBool},
	{"tcp_default_ttl", 37, KindU8},
	{"tcp_keepalive_interval", 38, KindU32},
	{"tcp_keepalive_garbage", 39, KindBool},
	{"network_information_service_domain", 40, KindString},
	{"network_information_servers", 41, KindIPv4List},
	{"network_time_protocol_servers", 42, KindIPv4List},
	{"vendor_specific_information", 43, KindBytes},
	{"netbios_over_tcp_ip_name_server", 44, KindIPv4List},
	{"netbios_over_tcp_ip_datagram_distribution_server", 45, KindIPv4List},
	{"netbios_over_tcp_ip_node_type", 46, KindU8},
	{"netbios_over_tcp_ip_scope", 47, KindString},
	{"x_window_system_font_server", 48, KindIPv4List},
	{"x_window_system_display_manager", 49, KindIPv4List},
	{"requested_ip_address", 50, KindIPv4},
	{"ip_address_lease_time", 51, KindU32},
	{"option_overload", 52, KindU8},
	{"message_type", 53, KindU8},
	{"server_identifier", 54, KindIPv4},
	{"parameter_request_list", 55, KindBytes},
	{"message", 56, KindString},
	{"maximum_dhcp_message_size", 57, KindU16},
	{"renewal_time_value", 58, KindU32},
	{"rebinding_time_value", 59, KindU32},
	{"vendor_class_identifier", 60, KindString},
	{"client_identifier", 61, KindBytes},
	{"network_information_service_plus_domain", 64, KindString},
	{"network_information_service_plus_servers", 65, KindIPv4List},
	{"tftp_server_name", 66, KindString},
	{"bootfile_name", 67, KindString},
	{"mobile_ip_home_agent", 68, KindIPv4List},
	{"smtp_server", 69, KindIPv4List},
	{"pop3_server", 70, KindIPv4List},
	{"nntp_server", 71, KindIPv4List},
	{"default_www_server", 72, KindIPv4List},
	{"default_finger_server", 73, KindIPv4List},
	{"default_irc_server", 74, KindIPv4List},
	{"streettalk_server", 75, KindIPv4List},
	{"street_talk_directory_assistance_server", 76, KindIPv4List},
}

// Registry maps option names and tags to their [OptionSpec]. It is built
// once at configuration load time and is immutable (and so safe for
// concurrent use) thereafter.
type Registry struct {
	byName map[string]OptionSpec
	byTag  map[byte]OptionSpec
}

// NewRegistry returns a [Registry] seeded with the standard named options,
// extended with custom, where each custom entry's tag must not collide with
// a standard option's tag.
func NewRegistry(custom []OptionSpec) (r *Registry, err error) {
	r = &Registry{
		byName: make(map[string]OptionSpec, len(namedOptions)+len(custom)),
		byTag:  make(map[byte]OptionSpec, len(namedOptions)+len(custom)),
	}

	for _, s := range namedOptions {
		r.byName[s.Name] = s
		r.byTag[s.Tag] = s
	}

	for _, s := range custom {
		if s.Tag == TagPad || s.Tag == TagEnd {
			return nil, fmt.Errorf("dhcpwire: custom option %q: reserved tag %d", s.Name, s.Tag)
		}

		if existing, ok := r.byTag[s.Tag]; ok && existing.Name != s.Name {
			return nil, fmt.Errorf(
				"dhcpwire: custom option %q: tag %d already used by %q",
				s.Name, s.Tag, existing.Name,
			)
		}

		if !validKind(s.Kind) {
			return nil, fmt.Errorf("dhcpwire: custom option %q: unknown kind %q", s.Name, s.Kind)
		}

		r.byName[s.Name] = s
		r.byTag[s.Tag] = s
	}

	return r, nil
}

func validKind(k OptionKind) (ok bool) {
	switch k {
	case KindIPv4, KindIPv4List, KindString, KindU8, KindU16, KindU32, KindBool, KindBytes:
		return true
	default:
		return false
	}
}

// ByName returns the spec registered under name.
func (r *Registry) ByName(name string) (spec OptionSpec, ok bool) {
	spec, ok = r.byName[name]

	return spec, ok
}

// ByTag returns the spec registered under tag.
func (r *Registry) ByTag(tag byte) (spec OptionSpec, ok bool) {
	spec, ok = r.byTag[tag]

	return spec, ok
}

// EncodeError is returned by [EncodeValue] when a mapping value can't be
// coerced to the option's kind.
type EncodeError struct {
	Name   string
	Reason string
}

// Error implements the error interface for *EncodeError.
func (e *EncodeError) Error() (msg string) {
	return fmt.Sprintf("dhcpwire: encoding option %q: %s", e.Name, e.Reason)
}

// EncodeValue coerces a rendered mapping value into the wire bytes for
// kind. Scalars are accepted per §4.2: dotted-quad strings for ipv4 kinds,
// decimal strings or native integers for integer kinds, "true"/"false"/
// "0"/"1" for bool. list kinds accept a []any of scalars.
func EncodeValue(name string, kind OptionKind, value any) (data []byte, err error) {
	switch kind {
	case KindIPv4:
		return encodeIPv4(name, value)
	case KindIPv4List:
		return encodeIPv4List(name, value)
	case KindString:
		return encodeString(value), nil
	case KindU8:
		return encodeUint(name, value, 1)
	case KindU16:
		return encodeUint(name, value, 2)
	case KindU32:
		return encodeUint(name, value, 4)
	case KindBool:
		return encodeBool(name, value)
	case KindBytes:
		return encodeBytes(name, value)
	default:
		return nil, &EncodeError{Name: name, Reason: fmt.Sprintf("unknown kind %q", kind)}
	}
}

func encodeIPv4(name string, value any) (data []byte, err error) {
	s, ok := value.(string)
	if !ok {
		return nil, &EncodeError{name, fmt.Sprintf("want dotted-quad string, got %T", value)}
	}

	ip := net.ParseIP(s)
	v4 := ip.To4()
	if ip == nil || v4 == nil {
		return nil, &EncodeError{name, fmt.Sprintf("invalid ipv4 address %q", s)}
	}

	return v4, nil
}

func encodeIPv4List(name string, value any) (data []byte, err error) {
	items, ok := asList(value)
	if !ok || len(items) == 0 {
		return nil, &EncodeError{name, "want non-empty list of ipv4 addresses"}
	}

	for _, item := range items {
		v4, err := encodeIPv4(name, item)
		if err != nil {
			return nil, err
		}

		data = append(data, v4...)
	}

	return data, nil
}

func encodeString(value any) (data []byte) {
	return []byte(fmt.Sprint(value))
}

func encodeBytes(name string, value any) (data []byte, err error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, &EncodeError{name, fmt.Sprintf("want bytes or string, got %T", value)}
	}
}

func encodeUint(name string, value any, size int) (data []byte, err error) {
	n, err := asUint64(value)
	if err != nil {
		return nil, &EncodeError{name, err.Error()}
	}

	data = make([]byte, size)
	switch size {
	case 1:
		data[0] = byte(n)
	case 2:
		data[0], data[1] = byte(n>>8), byte(n)
	case 4:
		data[0], data[1], data[2], data[3] = byte(n>>24), byte(n>>16), byte(n>>8), byte(n)
	}

	return data, nil
}

func asUint64(value any) (n uint64, err error) {
	switch v := value.(type) {
	case string:
		n, err = strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid integer %q", v)
		}

		return n, nil
	case int:
		return uint64(v), nil
	case int64:
		return uint64(v), nil
	case uint64:
		return v, nil
	case float64:
		// JSON-sourced numeric values decode as float64.
		return uint64(v), nil
	default:
		return 0, fmt.Errorf("want integer, got %T", value)
	}
}

func encodeBool(name string, value any) (data []byte, err error) {
	switch v := value.(type) {
	case bool:
		return boolByte(v), nil
	case string:
		switch v {
		case "true", "1":
			return boolByte(true), nil
		case "false", "0":
			return boolByte(false), nil
		default:
			return nil, &EncodeError{name, fmt.Sprintf("invalid bool %q", v)}
		}
	default:
		return nil, &EncodeError{name, fmt.Sprintf("want bool, got %T", value)}
	}
}

func boolByte(b bool) []byte {
	if b {
		return []byte{1}
	}

	return []byte{0}
}

func asList(value any) (items []any, ok bool) {
	switch v := value.(type) {
	case []any:
		return v, true
	default:
		return nil, false
	}
}

// ErrUnknownOption is returned when a mapping entry names an option not
// present in the registry and carries no explicit tag/kind of its own.
const ErrUnknownOption errors.Error = "unknown option"
