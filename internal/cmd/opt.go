package cmd

import (
	"encoding"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/AdguardTeam/golibs/osutil"

	"github.com/soofff/dhcpserver/internal/config"
	"github.com/soofff/dhcpserver/internal/version"
)

// options contains all command-line options for the dhcpserver binary.
type options struct {
	// confFile is the path to the configuration file.
	confFile string

	// logFile is the path to the log file. Special values "stdout" and
	// "stderr" write to the corresponding stream; any other non-empty
	// value is a file path.
	logFile string

	// pidFile is the path to the file where to store the PID.
	pidFile string

	// iface, if set, overrides the interface name used for
	// hardware-address unicast delivery.
	iface string

	// checkConfig, if true, instructs the server to check the
	// configuration file, print an error message to stdout on failure,
	// and exit with a corresponding exit code.
	checkConfig bool

	// help, if true, instructs the server to print the command-line
	// option help message and quit with a successful exit code.
	help bool

	// verbose, if true, instructs the server to enable verbose logging.
	verbose bool

	// version, if true, instructs the server to print the version to
	// stdout and quit with a successful exit code.
	version bool
}

// Indexes to help with the [commandLineOptions] initialization.
const (
	confFileIdx = iota
	logFileIdx
	pidFileIdx
	ifaceIdx
	checkConfigIdx
	helpIdx
	verboseIdx
	versionIdx
)

// commandLineOption contains information about a command-line option: its
// long and, if there is one, short form, the value type, the description,
// and the default value.
type commandLineOption struct {
	defaultValue any
	description  string
	long         string
	short        string
	valueType    string
}

// commandLineOptions are all command-line options currently supported by
// the server.
var commandLineOptions = []*commandLineOption{
	confFileIdx: {
		defaultValue: "dhcpserver.yaml",
		description:  "Path to the config file.",
		long:         "config",
		short:        "c",
		valueType:    "path",
	},

	logFileIdx: {
		defaultValue: "stdout",
		description:  `Path to log file. Special values include "stdout" and "stderr".`,
		long:         "logfile",
		short:        "l",
		valueType:    "path",
	},

	pidFileIdx: {
		defaultValue: "",
		description:  "Path to the file where to store the PID.",
		long:         "pidfile",
		short:        "",
		valueType:    "path",
	},

	ifaceIdx: {
		defaultValue: "",
		description:  "Network interface to use for hardware-address unicast delivery, overriding the config file.",
		long:         "interface",
		short:        "i",
		valueType:    "name",
	},

	checkConfigIdx: {
		defaultValue: false,
		description:  "Check configuration, print errors to stdout, and quit.",
		long:         "check-config",
		short:        "",
		valueType:    "",
	},

	helpIdx: {
		defaultValue: false,
		description:  "Print this help message and quit.",
		long:         "help",
		short:        "h",
		valueType:    "",
	},

	verboseIdx: {
		defaultValue: false,
		description:  "Enable verbose logging.",
		long:         "verbose",
		short:        "v",
		valueType:    "",
	},

	versionIdx: {
		defaultValue: false,
		description: `Print the version to stdout and quit. ` +
			`Print a more detailed version description with -v.`,
		long:      "version",
		short:     "",
		valueType: "",
	},
}

// parseOptions parses the command-line options for the server.
func parseOptions(cmdName string, args []string) (opts *options, err error) {
	flags := flag.NewFlagSet(cmdName, flag.ContinueOnError)

	opts = &options{}
	for i, fieldPtr := range []any{
		confFileIdx:    &opts.confFile,
		logFileIdx:     &opts.logFile,
		pidFileIdx:     &opts.pidFile,
		ifaceIdx:       &opts.iface,
		checkConfigIdx: &opts.checkConfig,
		helpIdx:        &opts.help,
		verboseIdx:     &opts.verbose,
		versionIdx:     &opts.version,
	} {
		addOption(flags, fieldPtr, commandLineOptions[i])
	}

	flags.Usage = func() { usage(cmdName, os.Stderr) }

	err = flags.Parse(args)
	if err != nil {
		// Don't wrap the error, because it's informative enough as is.
		return nil, err
	}

	return opts, nil
}

// addOption adds the command-line option described by o to flags using
// fieldPtr as the pointer to the value.
func addOption(flags *flag.FlagSet, fieldPtr any, o *commandLineOption) {
	switch fieldPtr := fieldPtr.(type) {
	case *string:
		flags.StringVar(fieldPtr, o.long, o.defaultValue.(string), o.description)
		if o.short != "" {
			flags.StringVar(fieldPtr, o.short, o.defaultValue.(string), o.description)
		}
	case *bool:
		flags.BoolVar(fieldPtr, o.long, o.defaultValue.(bool), o.description)
		if o.short != "" {
			flags.BoolVar(fieldPtr, o.short, o.defaultValue.(bool), o.description)
		}
	case encoding.TextUnmarshaler:
		flags.TextVar(fieldPtr, o.long, o.defaultValue.(encoding.TextMarshaler), o.description)
		if o.short != "" {
			flags.TextVar(fieldPtr, o.short, o.defaultValue.(encoding.TextMarshaler), o.description)
		}
	default:
		panic(fmt.Errorf("unexpected field pointer type %T", fieldPtr))
	}
}

// usage prints a usage message similar to the one printed by package flag
// but taking long vs. short versions into account as well as using more
// informative value hints.
func usage(cmdName string, output io.Writer) {
	opts := slices.Clone(commandLineOptions)
	slices.SortStableFunc(opts, func(a, b *commandLineOption) (res int) {
		return strings.Compare(a.long, b.long)
	})

	b := &strings.Builder{}
	_, _ = fmt.Fprintf(b, "Usage of %s:\n", cmdName)

	for _, o := range opts {
		writeUsageLine(b, o)

		if shouldIncludeDefault(o.defaultValue) {
			_, _ = fmt.Fprintf(b, "    \t%s  (Default value: %q)\n", o.description, o.defaultValue)
		} else {
			_, _ = fmt.Fprintf(b, "    \t%s\n", o.description)
		}
	}

	_, _ = io.WriteString(output, b.String())
}

// shouldIncludeDefault returns true if this default value should be
// printed.
func shouldIncludeDefault(v any) (ok bool) {
	switch v := v.(type) {
	case bool:
		return v
	case string:
		return v != ""
	default:
		return v == nil
	}
}

// writeUsageLine writes the usage line for the provided command-line
// option.
func writeUsageLine(b *strings.Builder, o *commandLineOption) {
	if o.short == "" {
		if o.valueType == "" {
			_, _ = fmt.Fprintf(b, "  --%s\n", o.long)
		} else {
			_, _ = fmt.Fprintf(b, "  --%s=%s\n", o.long, o.valueType)
		}

		return
	}

	if o.valueType == "" {
		_, _ = fmt.Fprintf(b, "  --%s/-%s\n", o.long, o.short)
	} else {
		_, _ = fmt.Fprintf(b, "  --%[1]s=%[3]s/-%[2]s %[3]s\n", o.long, o.short, o.valueType)
	}
}

// processOptions decides if the server should exit depending on the
// results of command-line option parsing.
func processOptions(opts *options, cmdName string, parseErr error) (exitCode int, needExit bool) {
	if parseErr != nil {
		// Assume that usage has already been printed.
		return osutil.ExitCodeArgumentError, true
	}

	if opts.help {
		usage(cmdName, os.Stdout)

		return osutil.ExitCodeSuccess, true
	}

	if opts.version {
		if opts.verbose {
			fmt.Print(version.Verbose())
		} else {
			fmt.Printf("dhcpserver %s\n", version.Version())
		}

		return osutil.ExitCodeSuccess, true
	}

	if opts.checkConfig {
		_, err := loadConfig(opts.confFile)
		if err != nil {
			_, _ = io.WriteString(os.Stdout, err.Error()+"\n")

			return osutil.ExitCodeFailure, true
		}

		return osutil.ExitCodeSuccess, true
	}

	return osutil.ExitCodeSuccess, false
}

// loadConfig reads and validates the configuration document at path.
func loadConfig(path string) (conf *config.Config, err error) {
	return readConfigFile(path)
}
