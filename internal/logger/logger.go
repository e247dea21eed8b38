// Package logger owns the process zerolog logger. Binaries call Init after
// loading their configuration; libraries derive children with Named.
package logger

import (
	"io"
	"os"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Options selects the sink and verbosity of the process logger.
type Options struct {
	Level      string
	Format     string // "json" or "console"
	Service    string
	Writer     io.Writer
	WithCaller bool
}

var current atomic.Pointer[zerolog.Logger]

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// Init installs a logger built from opt. It may be called again; children
// derived earlier keep writing to the sink they were created with.
func Init(opt Options) {
	l := opt.build()
	current.Store(&l)
}

// Get returns the process logger. Before Init it falls back to the LOG_LEVEL
// and LOG_FORMAT environment variables.
func Get() *zerolog.Logger {
	if l := current.Load(); l != nil {
		return l
	}
	l := envOptions().build()
	current.CompareAndSwap(nil, &l)
	return current.Load()
}

// Named returns a child of the process logger tagged with component.
func Named(component string) zerolog.Logger {
	if component == "" {
		return *Get()
	}
	return Get().With().Str("component", component).Logger()
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	name := strings.ToLower(strings.TrimSpace(s))
	switch name {
	case "warning":
		return zerolog.WarnLevel
	case "off":
		return zerolog.Disabled
	case "":
		return zerolog.InfoLevel
	}
	lvl, err := zerolog.ParseLevel(name)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

func (o Options) build() zerolog.Logger {
	out := o.Writer
	if out == nil {
		out = os.Stdout
	}
	if strings.EqualFold(o.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	fields := zerolog.New(out).Level(ParseLevel(o.Level)).With().Timestamp()
	if o.Service != "" {
		fields = fields.Str("service", o.Service)
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		fields = fields.Str("go_version", bi.GoVersion)
	}
	if o.WithCaller {
		fields = fields.Caller()
	}
	return fields.Logger()
}

func envOptions() Options {
	opt := Options{Level: "info", Format: "json", Service: "commitvault"}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		opt.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_FORMAT")); v != "" {
		opt.Format = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_SERVICE")); v != "" {
		opt.Service = v
	}
	return opt
}
