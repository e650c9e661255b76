// Package dhcppipe resolves a DHCPv4 reply's address and options from a
// configured REST source: side-effect scripts, cache-consulting HTTP
// queries, and a templated projection onto the typed option registry.
package dhcppipe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/exec"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/soofff/dhcpserver/internal/dhcpcache"
	"github.com/soofff/dhcpserver/internal/dhcptemplate"
	"github.com/soofff/dhcpserver/internal/dhcpwire"
)

// Hook names a resolution hook, mirroring the inbound DHCP message type
// that triggers it.
type Hook string

// Recognized hooks, one per inbound message type that carries a resolution
// step.
const (
	HookOffer   Hook = "offer"
	HookReserve Hook = "reserve"
	HookRelease Hook = "release"
	HookInform  Hook = "inform"
	HookDecline Hook = "decline"
)

// sideEffectOnly reports whether hook has no reply and so tolerates query
// failures by logging and continuing rather than aborting.
func (h Hook) sideEffectOnly() (ok bool) {
	return h == HookRelease || h == HookDecline
}

// ScriptSpec is one local process invocation, run for its side effects.
type ScriptSpec struct {
	Exec    string
	Args    []string
	Timeout time.Duration
	Wait    bool
}

// QuerySpec is one HTTP query whose JSON response is attached to the
// template context at results.<Name>.
type QuerySpec struct {
	Headers map[string]string
	Name    string
	Method  string
	URL     string
	Body    string
	Cache   time.Duration
}

// MappingEntry is one option projected from the template context into the
// reply's option set.
type MappingEntry struct {
	// Data is the templatable value: a string, or a list of strings, for
	// kinds that accept a list.
	Data any

	// Name is the option's canonical or custom name.
	Name string

	// Tag and Kind are set only for custom options not present in the
	// registry; named options inherit them from it.
	Tag  byte
	Kind dhcpwire.OptionKind

	Required bool
	HasTag   bool
	HasKind  bool
}

// HookSpec is the full resolution recipe for one hook.
type HookSpec struct {
	Scripts []ScriptSpec
	Queries []QuerySpec
	Mapping []MappingEntry
}

// Source is a configured REST resolution source: one [HookSpec] per hook
// that applies.
type Source struct {
	Hooks map[Hook]*HookSpec
}

// Errors returned by [Runner.Resolve].
const (
	// ErrQueryFailed wraps a query's failure: non-2xx response, network
	// error, or invalid JSON body.
	ErrQueryFailed errors.Error = "query failed"

	// ErrMappingFailed wraps a required mapping entry's render or encode
	// failure.
	ErrMappingFailed errors.Error = "mapping failed"

	// ErrOptionEncode wraps an option value that could not be coerced to
	// its kind's wire encoding.
	ErrOptionEncode errors.Error = "option encode failed"
)

// PacketInfo carries the inbound packet fields the initial template
// context is built from.
type PacketInfo struct {
	ClientHardwareAddress net.HardwareAddr
	ClientIPAddress       net.IP
	ClientHostname        string
	ServerIPAddress       net.IP
}

// Result is what a resolved hook contributes to the reply.
type Result struct {
	YourIPAddr net.IP
	Options    []dhcpwire.Option
}

// Runner executes a [Source]'s hooks. It depends on a cache for queries, a
// registry for option lookups, a template renderer, and a command runner
// for scripts — all injected so tests can substitute fakes.
type Runner struct {
	logger    *slog.Logger
	cache     *dhcpcache.Cache
	registry  *dhcpwire.Registry
	renderer  *dhcptemplate.Renderer
	runScript func(ctx context.Context, spec ScriptSpec, args []string) error
}

// Config configures a [Runner].
type Config struct {
	Logger   *slog.Logger
	Cache    *dhcpcache.Cache
	Registry *dhcpwire.Registry
	Renderer *dhcptemplate.Renderer
}

// New returns a new [Runner]. conf must not be nil.
func New(conf *Config) (r *Runner) {
	return &Runner{
		logger:    conf.Logger,
		cache:     conf.Cache,
		registry:  conf.Registry,
		renderer:  conf.Renderer,
		runScript: runProcess,
	}
}

// Resolve runs src's hook for hook against info and returns the option set
// it projects. If src has no [HookSpec] registered for hook, Resolve
// returns an empty [Result] and a nil error.
func (r *Runner) Resolve(
	ctx context.Context,
	src *Source,
	hook Hook,
	info *PacketInfo,
) (res *Result, err error) {
	defer func() { err = errors.Annotate(err, "resolving %s: %w", hook) }()

	spec, ok := src.Hooks[hook]
	if !ok {
		return &Result{}, nil
	}

	tctx := buildContext(info)

	r.runScripts(ctx, spec.Scripts, tctx)

	err = r.runQueries(ctx, spec.Queries, tctx, hook.sideEffectOnly())
	if err != nil {
		return nil, err
	}

	return r.projectMapping(spec.Mapping, tctx)
}

// buildContext constructs the initial template context from the inbound
// packet, per the client_hardware_address/client_ip_address/
// client_hostname/server_ip_address fields.
func buildContext(info *PacketInfo) (tctx dhcptemplate.Context) {
	return dhcptemplate.Context{
		"client_hardware_address": info.ClientHardwareAddress.String(),
		"client_ip_address":       info.ClientIPAddress.String(),
		"client_hostname":         info.ClientHostname,
		"server_ip_address":       info.ServerIPAddress.String(),
		"results":                 map[string]any{},
	}
}

// runScripts renders and runs each script in declared order. Script
// failures (render, spawn, timeout) are logged, never abort the pipeline:
// scripts are side effects whose output never feeds the context.
func (r *Runner) runScripts(ctx context.Context, scripts []ScriptSpec, tctx dhcptemplate.Context) {
	for _, s := range scripts {
		exe, err := r.renderer.Render(s.Exec, tctx, false)
		if err != nil {
			r.logger.WarnContext(ctx, "rendering script exec", "exec", s.Exec, slogutil.KeyError, err)

			continue
		}

		args := make([]string, 0, len(s.Args))
		for _, a := range s.Args {
			rendered, argErr := r.renderer.Render(a, tctx, false)
			if argErr != nil {
				r.logger.WarnContext(ctx, "rendering script arg", "arg", a, slogutil.KeyError, argErr)

				continue
			}

			args = append(args, rendered)
		}

		runCtx := ctx
		var cancel context.CancelFunc
		if s.Wait && s.Timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, s.Timeout)
		}

		spec := s
		spec.Exec = exe

		err = r.runScript(runCtx, spec, args)
		if cancel != nil {
			cancel()
		}

		if err != nil {
			r.logger.WarnContext(ctx, "running script", "exec", exe, slogutil.KeyError, err)
		}
	}
}

// runProcess is the default script runner: spawn exe with args, and if
// wait is true, block for the process to finish (the caller bounds this
// with a timeout context); if wait is false, let it run detached.
func runProcess(ctx context.Context, spec ScriptSpec, args []string) (err error) {
	cmd := exec.Command(spec.Exec, args...)

	if !spec.Wait {
		return cmd.Start()
	}

	err = cmd.Start()
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err = <-done:
		return err
	case <-ctx.Done():
		_ = cmd.Process.Kill()

		return ctx.Err()
	}
}

// runQueries renders and runs each query in declared order, consulting the
// cache, and attaches the parsed JSON response to results.<name>. A
// failure aborts unless sideEffectOnly, in which case it is logged and the
// next query still runs.
func (r *Runner) runQueries(
	ctx context.Context,
	queries []QuerySpec,
	tctx dhcptemplate.Context,
	sideEffectOnly bool,
) (err error) {
	for _, q := range queries {
		parsed, qErr := r.runQuery(ctx, &q, tctx)
		if qErr != nil {
			if sideEffectOnly {
				r.logger.WarnContext(ctx, "query failed", "name", q.Name, slogutil.KeyError, qErr)

				continue
			}

			return fmt.Errorf("%w: %q: %w", ErrQueryFailed, q.Name, qErr)
		}

		results, _ := tctx["results"].(map[string]any)
		results[q.Name] = parsed
	}

	return nil
}

// runQuery renders url, headers, and body against tctx, consults the
// cache, and parses the response as JSON.
func (r *Runner) runQuery(
	ctx context.Context,
	q *QuerySpec,
	tctx dhcptemplate.Context,
) (parsed any, err error) {
	url, err := r.renderer.Render(q.URL, tctx, false)
	if err != nil {
		return nil, fmt.Errorf("rendering url: %w", err)
	}

	body, err := r.renderer.Render(q.Body, tctx, false)
	if err != nil {
		return nil, fmt.Errorf("rendering body: %w", err)
	}

	headers := make(map[string]string, len(q.Headers))
	for name, val := range q.Headers {
		rendered, hErr := r.renderer.Render(val, tctx, false)
		if hErr != nil {
			return nil, fmt.Errorf("rendering header %q: %w", name, hErr)
		}

		headers[name] = rendered
	}

	method := q.Method
	if method == "" {
		method = http.MethodGet
	}

	respBody, err := r.cache.GetOrFetch(ctx, &dhcpcache.RequestSpec{
		Method:  method,
		URL:     url,
		Body:    []byte(body),
		Headers: headers,
		TTL:     q.Cache,
	})
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(respBody, &parsed)
	if err != nil {
		return nil, fmt.Errorf("parsing json: %w", err)
	}

	return parsed, nil
}

// clientIPAddressOption is the mapping entry name that carries the
// reply's yiaddr rather than a wire option.
const clientIPAddressOption = "client_ip_address"

// projectMapping renders and encodes each mapping entry, skipping optional
// entries that fail and aborting on required ones, per §4.5 step 4.
func (r *Runner) projectMapping(
	mapping []MappingEntry,
	tctx dhcptemplate.Context,
) (res *Result, err error) {
	res = &Result{}

	for _, entry := range mapping {
		value, rErr := r.renderMappingValue(entry.Data, tctx, entry.Required)
		if rErr != nil {
			if entry.Required {
				return nil, fmt.Errorf("%w: %q: %w", ErrMappingFailed, entry.Name, rErr)
			}

			continue
		}

		if entry.Name == clientIPAddressOption {
			if s, ok := value.(string); ok {
				res.YourIPAddr = net.ParseIP(s)
			}

			continue
		}

		tag, kind, ok := r.lookupOption(&entry)
		if !ok {
			if entry.Required {
				return nil, fmt.Errorf(
					"%w: %q: %w",
					ErrMappingFailed,
					entry.Name,
					dhcpwire.ErrUnknownOption,
				)
			}

			continue
		}

		data, eErr := dhcpwire.EncodeValue(entry.Name, kind, value)
		if eErr != nil {
			if entry.Required {
				return nil, fmt.Errorf(
					"%w: %q: %w: %w",
					ErrMappingFailed,
					entry.Name,
					ErrOptionEncode,
					eErr,
				)
			}

			continue
		}

		res.Options = append(res.Options, dhcpwire.Option{Tag: tag, Data: data})
	}

	return res, nil
}

// lookupOption resolves entry's wire tag and kind, preferring the entry's
// own explicit tag/kind (custom options) over the registry.
func (r *Runner) lookupOption(entry *MappingEntry) (tag byte, kind dhcpwire.OptionKind, ok bool) {
	if entry.HasTag && entry.HasKind {
		return entry.Tag, entry.Kind, true
	}

	spec, found := r.registry.ByName(entry.Name)
	if !found {
		return 0, "", false
	}

	return spec.Tag, spec.Kind, true
}

// renderMappingValue renders entry.Data: a bare string is rendered
// directly; a list is rendered element-wise.
func (r *Runner) renderMappingValue(
	data any,
	tctx dhcptemplate.Context,
	required bool,
) (value any, err error) {
	switch v := data.(type) {
	case string:
		return r.renderer.Render(v, tctx, required)
	case []any:
		out := make([]any, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				out = append(out, item)

				continue
			}

			rendered, rErr := r.renderer.Render(s, tctx, required)
			if rErr != nil {
				return nil, rErr
			}

			out = append(out, rendered)
		}

		return out, nil
	default:
		return v, nil
	}
}
