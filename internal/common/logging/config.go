package logging

import (
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var validLogFormats = map[string]log.Formatter{
	"text": &log.TextFormatter{ForceColors: true, FullTimestamp: true},
	"json": &log.JSONFormatter{},
}

// Config defines logging configuration.
type Config struct {
	// Log level, e.g. info, error etc
	Level string
	// Logging format, either text or json
	Format string
}

// Configure applies the provided config to the standard logrus logger, writing to out.
func Configure(config Config, out io.Writer) error {
	level := config.Level
	if level == "" {
		level = "info"
	}
	parsedLevel, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		return errors.WithStack(err)
	}
	format := config.Format
	if format == "" {
		format = "text"
	}
	formatter, ok := validLogFormats[format]
	if !ok {
		formats := maps.Keys(validLogFormats)
		slices.Sort(formats)
		return errors.Errorf("unknown log format: %s.  Valid formats are %s", format, formats)
	}
	log.SetLevel(parsedLevel)
	log.SetFormatter(formatter)
	log.SetOutput(out)
	return nil
}

// ConfigureLogging sets up logging suitable for a long-running service.
func ConfigureLogging() {
	if err := Configure(Config{}, os.Stdout); err != nil {
		panic(err)
	}
}

// ConfigureCommandLineLogging sets up logging suitable for a command-line tool: bare messages on stderr,
// so that stdout only carries command output.
func ConfigureCommandLineLogging() {
	log.SetFormatter(&log.TextFormatter{DisableTimestamp: true, DisableLevelTruncation: true})
	log.SetOutput(os.Stderr)
	log.SetLevel(log.InfoLevel)
}
