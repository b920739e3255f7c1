// File: logging/new.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// Options select a backend.
type Options struct {
	// Level is debug, info, warn or error.
	Level string
	// Format is auto, console, json or zap. Auto picks console on a terminal.
	Format string
	// Out defaults to os.Stderr.
	Out io.Writer
}

// New builds a Logger from opts.
func New(opts Options) (Logger, error) {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	format := strings.ToLower(opts.Format)
	if format == "" || format == "auto" {
		format = "json"
		if isTerminal(out) {
			format = "console"
		}
	}
	switch format {
	case "console", "json":
		lvl, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil || opts.Level == "" {
			lvl = zerolog.InfoLevel
		}
		w := out
		if format == "console" {
			w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		}
		return NewZerolog(zerolog.New(w).Level(lvl).With().Timestamp().Logger()), nil
	case "zap":
		lvl := zapcore.InfoLevel
		if opts.Level != "" {
			if err := lvl.UnmarshalText([]byte(strings.ToLower(opts.Level))); err != nil {
				return nil, fmt.Errorf("logging: level %q: %w", opts.Level, err)
			}
		}
		enc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		core := zapcore.NewCore(enc, zapcore.AddSync(out), lvl)
		return NewZap(zap.New(core)), nil
	default:
		return nil, fmt.Errorf("logging: unknown format %q", opts.Format)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
