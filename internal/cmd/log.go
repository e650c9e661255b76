package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
)

// newBaseLogger builds the root logger from the command-line options,
// before the configuration file has been read. Special logFile values
// "stdout" and "stderr" write there directly; any other non-empty value
// is treated as a file path.
func newBaseLogger(opts *options) (logger *slog.Logger, err error) {
	lvl := slog.LevelInfo
	if opts.verbose {
		lvl = slog.LevelDebug
	}

	out, err := logOutput(opts.logFile)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}

	return slogutil.New(&slogutil.Config{
		Format:       slogutil.FormatDefault,
		Level:        lvl,
		Output:       out,
		AddTimestamp: true,
	}), nil
}

// logOutput resolves name to a writer: "stdout" and "stderr" map to the
// corresponding standard stream, and anything else is opened as a file
// path, created if necessary and appended to.
func logOutput(name string) (out *os.File, err error) {
	switch name {
	case "stdout", "":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		return os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	}
}
