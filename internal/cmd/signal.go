package cmd

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/osutil"
	"github.com/google/renameio/v2/maybe"

	"github.com/soofff/dhcpserver/internal/dhcplisten"
)

// signalHandler processes incoming signals, reloading the listener pool on
// a reconfigure signal and shutting it down gracefully on a termination
// signal.
type signalHandler struct {
	logger *slog.Logger

	// confFile is the path to the configuration file, re-read on every
	// reconfigure signal.
	confFile string

	// ifaceOverride, if non-empty, takes precedence over the
	// configuration file's interface name on every reconfigure.
	ifaceOverride string

	// pidFile is the path to the file where to store the PID, if any.
	pidFile string

	// signal is the channel to which OS signals are sent.
	signal chan os.Signal

	// mu guards pool and cancel across reconfigure and shutdown.
	mu     sync.Mutex
	pool   *dhcplisten.Pool
	cancel context.CancelFunc
	done   <-chan error
}

// newSignalHandler returns a new signalHandler that manages pool, initially
// started under cancel/done.
func newSignalHandler(
	logger *slog.Logger,
	confFile string,
	ifaceOverride string,
	pidFile string,
	pool *dhcplisten.Pool,
	cancel context.CancelFunc,
	done <-chan error,
) (h *signalHandler) {
	h = &signalHandler{
		logger:        logger,
		confFile:      confFile,
		ifaceOverride: ifaceOverride,
		pidFile:       pidFile,
		signal:        make(chan os.Signal, 1),
		pool:          pool,
		cancel:        cancel,
		done:          done,
	}

	notifier := osutil.DefaultSignalNotifier{}
	osutil.NotifyShutdownSignal(notifier, h.signal)
	osutil.NotifyReconfigureSignal(notifier, h.signal)

	return h
}

// handle processes OS signals. It blocks until a termination signal is
// received, after which it shuts the pool down and returns. A
// reconfiguration signal rebuilds the pool from the configuration file in
// place without returning.
func (h *signalHandler) handle(ctx context.Context) (status osutil.ExitCode) {
	defer slogutil.RecoverAndLog(ctx, h.logger)

	h.writePID(ctx)

	for sig := range h.signal {
		h.logger.InfoContext(ctx, "received", "signal", sig)

		if osutil.IsReconfigureSignal(sig) {
			err := h.reconfigure(ctx)
			if err != nil {
				h.logger.ErrorContext(ctx, "reconfiguration error", slogutil.KeyError, err)

				return osutil.ExitCodeFailure
			}

			continue
		}

		if osutil.IsShutdownSignal(sig) {
			status = h.shutdown(ctx)
			h.removePID(ctx)

			return status
		}
	}

	// Shouldn't happen, since h.signal is currently never closed.
	panic("unexpected close of h.signal")
}

// writePID writes the PID to the file, if needed. Any errors are reported
// to log.
func (h *signalHandler) writePID(ctx context.Context) {
	if h.pidFile == "" {
		return
	}

	pid := os.Getpid()
	data := strconv.AppendInt(nil, int64(pid), 10)
	data = append(data, '\n')

	err := maybe.WriteFile(h.pidFile, data, 0o644)
	if err != nil {
		h.logger.ErrorContext(ctx, "writing pidfile", slogutil.KeyError, err)

		return
	}

	h.logger.DebugContext(ctx, "wrote pid", "file", h.pidFile, "pid", pid)
}

// removePID removes the PID file, if any.
func (h *signalHandler) removePID(ctx context.Context) {
	if h.pidFile == "" {
		return
	}

	err := os.Remove(h.pidFile)
	if err != nil {
		h.logger.ErrorContext(ctx, "removing pidfile", slogutil.KeyError, err)

		return
	}

	h.logger.DebugContext(ctx, "removed pidfile", "file", h.pidFile)
}

// reconfigure rereads the configuration file and restarts the listener
// pool. The old pool is stopped before the new one starts, so there is a
// brief window without an active listener.
func (h *signalHandler) reconfigure(ctx context.Context) (err error) {
	h.logger.InfoContext(ctx, "reconfiguring started")

	h.mu.Lock()
	defer h.mu.Unlock()

	h.cancel()
	<-h.done

	pool, cancel, done, err := buildPool(ctx, h.logger, h.confFile, h.ifaceOverride)
	if err != nil {
		return errors.Annotate(err, "rebuilding listener pool: %w")
	}

	h.pool = pool
	h.cancel = cancel
	h.done = done

	h.logger.InfoContext(ctx, "reconfiguring finished")

	return nil
}

// shutdown gracefully stops the listener pool.
func (h *signalHandler) shutdown(ctx context.Context) (status osutil.ExitCode) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.logger.InfoContext(ctx, "shutting down")

	h.cancel()

	err := <-h.done
	if err != nil {
		h.logger.ErrorContext(ctx, "shutting down listener pool", slogutil.KeyError, err)

		return osutil.ExitCodeFailure
	}

	return osutil.ExitCodeSuccess
}
