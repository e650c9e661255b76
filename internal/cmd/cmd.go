// Package cmd is the dhcpserver entry point. It parses command-line
// options, loads the configuration file, assembles the resolution
// pipeline and listener pool, and runs the signal-handling loop.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"gopkg.in/yaml.v3"

	"github.com/soofff/dhcpserver/internal/config"
	"github.com/soofff/dhcpserver/internal/dhcpcache"
	"github.com/soofff/dhcpserver/internal/dhcphandler"
	"github.com/soofff/dhcpserver/internal/dhcplisten"
	"github.com/soofff/dhcpserver/internal/dhcppipe"
	"github.com/soofff/dhcpserver/internal/dhcptemplate"
	"github.com/soofff/dhcpserver/internal/version"
)

// Default timeouts.
const (
	defaultTimeoutStart    = 10 * time.Second
	defaultTimeoutShutdown = 5 * time.Second

	// defaultCacheSize is the maximum number of distinct query fingerprints
	// memoized by the shared request cache at once.
	defaultCacheSize = 1000

	// defaultHTTPTimeout bounds a single outbound resolution query.
	defaultHTTPTimeout = 5 * time.Second
)

// Main is the entry point of dhcpserver.
func Main() {
	ctx := context.Background()

	cmdName := os.Args[0]
	opts, err := parseOptions(cmdName, os.Args[1:])
	exitCode, needExit := processOptions(opts, cmdName, err)
	if needExit {
		os.Exit(exitCode)
	}

	baseLogger, err := newBaseLogger(opts)
	errors.Check(err)

	baseLogger.InfoContext(
		ctx,
		"starting dhcpserver",
		"version", version.Version(),
		"pid", os.Getpid(),
	)

	startCtx, startCancel := context.WithTimeout(ctx, defaultTimeoutStart)
	defer startCancel()

	pool, cancel, done, err := buildPool(startCtx, baseLogger, opts.confFile, opts.iface)
	errors.Check(err)

	sigHdlr := newSignalHandler(
		baseLogger.With(slogutil.KeyPrefix, "signal_handler"),
		opts.confFile,
		opts.iface,
		opts.pidFile,
		pool,
		cancel,
		done,
	)

	os.Exit(sigHdlr.handle(ctx))
}

// readConfigFile reads and validates the configuration document at path.
func readConfigFile(path string) (conf *config.Config, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	conf = &config.Config{}
	err = yaml.Unmarshal(data, conf)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	err = conf.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating %s: %w", path, err)
	}

	return conf, nil
}

// buildPool reads the configuration file at confFile, wires the
// resolution pipeline and a listener for every configured address, and
// starts serving them under a new cancelable context derived from
// [context.Background], not from ctx. ifaceOverride,
// if non-empty, takes precedence over the configuration file's interface
// name.
func buildPool(
	ctx context.Context,
	logger *slog.Logger,
	confFile string,
	ifaceOverride string,
) (pool *dhcplisten.Pool, cancel context.CancelFunc, done <-chan error, err error) {
	conf, err := readConfigFile(confFile)
	if err != nil {
		return nil, nil, nil, err
	}

	registry, err := conf.Registry()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("building option registry: %w", err)
	}

	ifaceName := conf.Interface
	if ifaceOverride != "" {
		ifaceName = ifaceOverride
	}

	var iface *net.Interface
	if ifaceName != "" {
		iface, err = net.InterfaceByName(ifaceName)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("resolving interface %q: %w", ifaceName, err)
		}
	}

	serverIP := net.ParseIP(conf.ServerID).To4()

	cache := dhcpcache.New(&dhcpcache.Config{
		Logger: logger.With(slogutil.KeyPrefix, "dhcpcache"),
		Client: &http.Client{Timeout: defaultHTTPTimeout},
		Size:   defaultCacheSize,
	})

	runner := dhcppipe.New(&dhcppipe.Config{
		Logger:   logger.With(slogutil.KeyPrefix, "dhcppipe"),
		Cache:    cache,
		Registry: registry,
		Renderer: dhcptemplate.New(),
	})

	sources := conf.Sources()

	handler := dhcphandler.New(&dhcphandler.Config{
		Logger: logger.With(slogutil.KeyPrefix, "dhcphandler"),
		Runner: runner,
		Source: sources[0],
	})

	addrs := conf.Addrs()
	listeners := make([]*dhcplisten.Listener, 0, len(addrs))
	for _, addr := range addrs {
		var l *dhcplisten.Listener
		l, err = dhcplisten.New(&dhcplisten.Config{
			Logger:    logger.With(slogutil.KeyPrefix, "dhcplisten"),
			Handler:   handler,
			Addr:      addr,
			Interface: iface,
			ServerIP:  serverIP,
		})
		if err != nil {
			for _, opened := range listeners {
				_ = opened.Close()
			}

			return nil, nil, nil, fmt.Errorf("opening listener on %s: %w", addr, err)
		}

		listeners = append(listeners, l)
	}

	pool = dhcplisten.NewPool(listeners)

	serveCtx, serveCancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- pool.Serve(serveCtx) }()

	return pool, serveCancel, errCh, nil
}
