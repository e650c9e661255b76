// Package config defines the on-disk YAML configuration schema for the
// server: listen addresses, the interface to use for hardware-address
// unicast delivery, custom option definitions, and the set of REST
// resolution sources consulted for every inbound packet.
package config

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/netutil"
	"github.com/AdguardTeam/golibs/validate"
	"gopkg.in/yaml.v3"

	"github.com/soofff/dhcpserver/internal/dhcppipe"
	"github.com/soofff/dhcpserver/internal/dhcpwire"
)

// DefaultPort is the UDP port bound on every listen address when Port is
// unset.
const DefaultPort = 67

// DefaultListen is the dotted-quad address bound when Listen is empty.
const DefaultListen = "0.0.0.0"

// Config is the root configuration document.
type Config struct {
	// Listen is the set of local dotted-quad addresses to bind. If
	// empty, defaults to [DefaultListen].
	Listen []string `yaml:"listen"`

	// Port is the UDP port bound on every Listen address. If zero,
	// defaults to [DefaultPort].
	Port int `yaml:"port"`

	// Interface, if set, names the network interface used for the
	// yiaddr-via-hardware-address delivery fallback. If empty, that case
	// falls back to a UDP broadcast.
	Interface string `yaml:"interface"`

	// ServerID is the address reported to clients as the DHCP server
	// identifier (option 54) and as siaddr. It must be a valid IPv4
	// address.
	ServerID string `yaml:"server_id"`

	// Options lists custom option definitions referenced by name from a
	// source's mapping, beyond the standard RFC 2132 registry.
	Options []OptionConfig `yaml:"options"`

	// Sources are the REST resolution sources consulted in order; the
	// first one configured is used. It must contain exactly one entry
	// (see Open Questions in DESIGN.md for the single-source decision).
	Sources []SourceConfig `yaml:"sources"`
}

// type check
var _ validate.Interface = (*Config)(nil)

// Validate implements the [validate.Interface] interface for *Config.
func (c *Config) Validate() (err error) {
	if c == nil {
		return errors.ErrNoValue
	}

	var errs []error

	if c.Port != 0 && (c.Port < 1 || c.Port > 65535) {
		errs = append(errs, fmt.Errorf("port: %d is outside the valid 1-65535 range", c.Port))
	}

	// An empty Listen defaults to [DefaultListen]; see [Config.Addrs].
	for i, addr := range c.Listen {
		if _, ipErr := netutil.ParseIPv4(addr); ipErr != nil {
			errs = append(errs, fmt.Errorf("listen.%d: %w", i, ipErr))
		}
	}

	if c.ServerID == "" {
		errs = append(errs, fmt.Errorf("server_id: %w", errors.ErrEmptyValue))
	} else if _, ipErr := netutil.ParseIPv4(c.ServerID); ipErr != nil {
		errs = append(errs, fmt.Errorf("server_id: %w", ipErr))
	}

	for i, o := range c.Options {
		errs = validate.Append(errs, fmt.Sprintf("options.%d", i), &o)
	}

	if len(c.Sources) != 1 {
		errs = append(errs, fmt.Errorf("sources: want exactly one entry, got %d", len(c.Sources)))
	}

	for i, s := range c.Sources {
		errs = validate.Append(errs, fmt.Sprintf("sources.%d", i), &s)
	}

	return errors.Join(errs...)
}

// OptionConfig declares one custom DHCP option, extending the standard
// registry.
type OptionConfig struct {
	Name string `yaml:"name"`
	Tag  int    `yaml:"tag"`
	Kind string `yaml:"kind"`
}

// type check
var _ validate.Interface = (*OptionConfig)(nil)

// Validate implements the [validate.Interface] interface for *OptionConfig.
func (o *OptionConfig) Validate() (err error) {
	if o == nil {
		return errors.ErrNoValue
	}

	errs := []error{validate.NotEmpty("name", o.Name)}

	if o.Tag < 1 || o.Tag > 254 {
		errs = append(errs, fmt.Errorf("tag: %d is outside the valid 1-254 range", o.Tag))
	}

	if !validKindName(o.Kind) {
		errs = append(errs, fmt.Errorf("kind: %q is not a recognized option kind", o.Kind))
	}

	return errors.Join(errs...)
}

// validKindName reports whether kind names one of [dhcpwire.OptionKind]'s
// values.
func validKindName(kind string) (ok bool) {
	switch dhcpwire.OptionKind(kind) {
	case dhcpwire.KindIPv4, dhcpwire.KindIPv4List, dhcpwire.KindString,
		dhcpwire.KindU8, dhcpwire.KindU16, dhcpwire.KindU32, dhcpwire.KindBool, dhcpwire.KindBytes:
		return true
	default:
		return false
	}
}

// Registry builds the [dhcpwire.Registry] described by c's Options.
func (c *Config) Registry() (r *dhcpwire.Registry, err error) {
	custom := make([]dhcpwire.OptionSpec, 0, len(c.Options))
	for _, o := range c.Options {
		custom = append(custom, dhcpwire.OptionSpec{
			Name: o.Name,
			Tag:  byte(o.Tag),
			Kind: dhcpwire.OptionKind(o.Kind),
		})
	}

	return dhcpwire.NewRegistry(custom)
}

// Addrs returns the host:port addresses to bind, combining c.Port with
// every c.Listen entry and substituting [DefaultListen]/[DefaultPort]
// for either that was left unset.
func (c *Config) Addrs() (addrs []string) {
	listen := c.Listen
	if len(listen) == 0 {
		listen = []string{DefaultListen}
	}

	port := c.Port
	if port == 0 {
		port = DefaultPort
	}

	addrs = make([]string, 0, len(listen))
	for _, addr := range listen {
		addrs = append(addrs, net.JoinHostPort(addr, strconv.Itoa(port)))
	}

	return addrs
}

// SourceConfig is one REST resolution source.
type SourceConfig struct {
	// Kind must be "rest"; it is reserved for future source types.
	Kind string `yaml:"kind"`

	// Hooks holds the five per-message-type resolution recipes, keyed
	// "config" on the wire to match the external schema.
	Hooks HooksConfig `yaml:"config"`
}

// type check
var _ validate.Interface = (*SourceConfig)(nil)

// Validate implements the [validate.Interface] interface for *SourceConfig.
func (s *SourceConfig) Validate() (err error) {
	if s == nil {
		return errors.ErrNoValue
	}

	errs := validate.Append(nil, "config", &s.Hooks)

	if s.Kind != "rest" {
		errs = append(errs, fmt.Errorf("kind: %q is not a recognized source kind", s.Kind))
	}

	return errors.Join(errs...)
}

// HooksConfig is the set of per-message-type resolution recipes a source
// may define. Every field is optional; an absent hook means that message
// type gets no reply (DISCOVER/REQUEST/INFORM) or runs no resolution at
// all (DECLINE/RELEASE).
type HooksConfig struct {
	Offer   *HookConfig `yaml:"offer"`
	Reserve *HookConfig `yaml:"reserve"`
	Release *HookConfig `yaml:"release"`
	Inform  *HookConfig `yaml:"inform"`
	Decline *HookConfig `yaml:"decline"`
}

// type check
var _ validate.Interface = (*HooksConfig)(nil)

// Validate implements the [validate.Interface] interface for *HooksConfig.
func (h *HooksConfig) Validate() (err error) {
	if h == nil {
		return errors.ErrNoValue
	}

	var errs []error
	errs = validate.Append(errs, "offer", h.Offer)
	errs = validate.Append(errs, "reserve", h.Reserve)
	errs = validate.Append(errs, "release", h.Release)
	errs = validate.Append(errs, "inform", h.Inform)
	errs = validate.Append(errs, "decline", h.Decline)

	return errors.Join(errs...)
}

// HookConfig is the full resolution recipe for one hook.
type HookConfig struct {
	Scripts []ScriptConfig `yaml:"scripts"`
	Queries []QueryConfig  `yaml:"queries"`

	// Mapping is name→MappingEntry, keyed by the option name being
	// projected.
	Mapping map[string]MappingConfig `yaml:"mapping"`
}

// type check
var _ validate.Interface = (*HookConfig)(nil)

// Validate implements the [validate.Interface] interface for *HookConfig.
// A nil *HookConfig is valid: it means the hook is simply not configured.
func (h *HookConfig) Validate() (err error) {
	if h == nil {
		return nil
	}

	var errs []error
	for i, q := range h.Queries {
		errs = validate.Append(errs, fmt.Sprintf("queries.%d", i), &q)
	}

	for _, name := range sortedMappingNames(h.Mapping) {
		m := h.Mapping[name]
		m.Name = name
		errs = validate.Append(errs, fmt.Sprintf("mapping.%s", name), &m)
	}

	return errors.Join(errs...)
}

// sortedMappingNames returns m's keys in sorted order, so that validation
// and conversion produce stable, reproducible results.
func sortedMappingNames(m map[string]MappingConfig) (names []string) {
	names = make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// ScriptConfig is one local process invocation, run for its side effects.
type ScriptConfig struct {
	Exec    string        `yaml:"exec"`
	Args    []string      `yaml:"args"`
	Timeout time.Duration `yaml:"timeout"`
	Wait    bool          `yaml:"wait"`
}

// QueryConfig is one HTTP query whose JSON response is attached to the
// template context.
type QueryConfig struct {
	Name    string            `yaml:"name"`
	Method  string            `yaml:"method"`
	URL     string            `yaml:"url"`
	Body    string            `yaml:"body"`
	Headers map[string]string `yaml:"headers"`
	Cache   time.Duration     `yaml:"cache"`
}

// type check
var _ validate.Interface = (*QueryConfig)(nil)

// Validate implements the [validate.Interface] interface for *QueryConfig.
func (q *QueryConfig) Validate() (err error) {
	if q == nil {
		return errors.ErrNoValue
	}

	return errors.Join(
		validate.NotEmpty("name", q.Name),
		validate.NotEmpty("url", q.URL),
		validate.NotNegative("cache", q.Cache),
	)
}

// MappingConfig is one option projected from the template context into the
// reply's option set. Tag and Kind are pointers so that a zero value
// (tag 0, or an empty kind string) can be told apart from "not set": an
// unset Tag/Kind means the entry names a standard or previously declared
// custom option instead of defining one inline.
//
// Name is not decoded from YAML directly: it is the map key under which
// the entry was declared in [HookConfig.Mapping], filled in by
// [HookConfig.toHookSpec] and by Validate's callers.
type MappingConfig struct {
	Name     string  `yaml:"-"`
	Data     any     `yaml:"data"`
	Tag      *int    `yaml:"tag"`
	Kind     *string `yaml:"kind"`
	Required bool    `yaml:"required"`
}

// UnmarshalYAML implements the [yaml.Unmarshaler] interface for
// *MappingConfig. A bare scalar or sequence value is shorthand for
// { data: <that value>, required: false }; anything else is decoded as
// the full object form.
func (m *MappingConfig) UnmarshalYAML(node *yaml.Node) (err error) {
	switch node.Kind {
	case yaml.ScalarNode, yaml.SequenceNode:
		var data any
		if err = node.Decode(&data); err != nil {
			return fmt.Errorf("decoding shorthand mapping value: %w", err)
		}

		*m = MappingConfig{Data: data}

		return nil
	default:
		// type alias to dodge UnmarshalYAML recursion
		type plain MappingConfig

		var p plain
		if err = node.Decode(&p); err != nil {
			return fmt.Errorf("decoding mapping value: %w", err)
		}

		*m = MappingConfig(p)

		return nil
	}
}

// type check
var _ validate.Interface = (*MappingConfig)(nil)

// Validate implements the [validate.Interface] interface for
// *MappingConfig.
func (m *MappingConfig) Validate() (err error) {
	if m == nil {
		return errors.ErrNoValue
	}

	errs := []error{validate.NotEmpty("name", m.Name)}

	if m.Data == nil {
		errs = append(errs, fmt.Errorf("data: %w", errors.ErrEmptyValue))
	}

	if m.Kind != nil && !validKindName(*m.Kind) {
		errs = append(errs, fmt.Errorf("kind: %q is not a recognized option kind", *m.Kind))
	}

	if (m.Tag != nil) != (m.Kind != nil) {
		errs = append(errs, errors.Error("tag and kind must be set together"))
	}

	return errors.Join(errs...)
}

// Sources converts c's configured sources into [dhcppipe.Source] values,
// in declared order.
func (c *Config) Sources() (sources []*dhcppipe.Source) {
	sources = make([]*dhcppipe.Source, 0, len(c.Sources))
	for _, s := range c.Sources {
		sources = append(sources, s.toSource())
	}

	return sources
}

// toSource converts s into a [dhcppipe.Source].
func (s *SourceConfig) toSource() (src *dhcppipe.Source) {
	src = &dhcppipe.Source{Hooks: make(map[dhcppipe.Hook]*dhcppipe.HookSpec, 5)}

	for hook, hc := range map[dhcppipe.Hook]*HookConfig{
		dhcppipe.HookOffer:   s.Hooks.Offer,
		dhcppipe.HookReserve: s.Hooks.Reserve,
		dhcppipe.HookRelease: s.Hooks.Release,
		dhcppipe.HookInform:  s.Hooks.Inform,
		dhcppipe.HookDecline: s.Hooks.Decline,
	} {
		if hc == nil {
			continue
		}

		src.Hooks[hook] = hc.toHookSpec()
	}

	return src
}

// toHookSpec converts h into a [dhcppipe.HookSpec].
func (h *HookConfig) toHookSpec() (spec *dhcppipe.HookSpec) {
	spec = &dhcppipe.HookSpec{
		Scripts: make([]dhcppipe.ScriptSpec, 0, len(h.Scripts)),
		Queries: make([]dhcppipe.QuerySpec, 0, len(h.Queries)),
		Mapping: make([]dhcppipe.MappingEntry, 0, len(h.Mapping)),
	}

	for _, s := range h.Scripts {
		spec.Scripts = append(spec.Scripts, dhcppipe.ScriptSpec{
			Exec:    s.Exec,
			Args:    s.Args,
			Timeout: s.Timeout,
			Wait:    s.Wait,
		})
	}

	for _, q := range h.Queries {
		spec.Queries = append(spec.Queries, dhcppipe.QuerySpec{
			Headers: q.Headers,
			Name:    q.Name,
			Method:  q.Method,
			URL:     q.URL,
			Body:    q.Body,
			Cache:   q.Cache,
		})
	}

	for _, name := range sortedMappingNames(h.Mapping) {
		m := h.Mapping[name]
		entry := dhcppipe.MappingEntry{
			Data:     m.Data,
			Name:     name,
			Required: m.Required,
		}

		if m.Tag != nil {
			entry.Tag = byte(*m.Tag)
			entry.HasTag = true
		}

		if m.Kind != nil {
			entry.Kind = dhcpwire.OptionKind(*m.Kind)
			entry.HasKind = true
		}

		spec.Mapping = append(spec.Mapping, entry)
	}

	return spec
}
