package cli

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/vk/gridflow/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns populated Options, a
// boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Options, bool, error) {
	flagSet := flag.NewFlagSet("gridflow", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
GridFlow - A dependency-aware job orchestration engine.

Usage:
  gridflow [options] [JOB_PATH]

Arguments:
  JOB_PATH
    Path to a single .hcl job file or a directory containing .hcl files.

Options:
`)
		flagSet.PrintDefaults()
	}

	jobFlag := flagSet.String("job", "", "Path to the job file or directory.")
	jFlag := flagSet.String("j", "", "Path to the job file or directory (shorthand).")
	configFlag := flagSet.String("config", "", "Path to the YAML engine configuration file.")
	healthPortFlag := flagSet.Int("healthcheck-port", 0, "Port for the HTTP health check server. 0 is disabled.")
	logFormatFlag := flagSet.String("log-format", "json", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	workersFlag := flagSet.Int("workers", 0, "Per-job worker pool size. 0 uses the configured default.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	path := ""
	if *jobFlag != "" {
		path = *jobFlag
	} else if *jFlag != "" {
		path = *jFlag
	} else if flagSet.NArg() > 0 {
		path = flagSet.Arg(0)
	}

	if path == "" {
		flagSet.Usage()
		return nil, true, nil
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	if *workersFlag < 0 {
		return nil, false, &ExitError{Code: 2, Message: "invalid workers: must not be negative"}
	}

	return &app.Options{
		JobPath:         path,
		ConfigPath:      *configFlag,
		HealthcheckPort: *healthPortFlag,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		Workers:         *workersFlag,
	}, false, nil
}
