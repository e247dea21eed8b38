package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Rejected is an environment value that failed to parse and was replaced by
// its default.
type Rejected struct {
	Key   string
	Value string
	Want  string
}

// Conf is a namespaced view over environment variables, e.g. Prefix("CACHE_").
// Parse failures are collected rather than logged so callers can report them
// once the logger is configured.
type Conf struct {
	prefix   string
	rejected *[]Rejected
}

// New creates a root Conf.
func New() Conf { return Conf{rejected: new([]Rejected)} }

// Prefix creates a child Conf with an additional prefix. Children share the
// parent's rejection list.
func (c Conf) Prefix(p string) Conf { return Conf{prefix: c.prefix + p, rejected: c.rejected} }

// Rejected lists values dropped so far by this Conf and its children.
func (c Conf) Rejected() []Rejected {
	if c.rejected == nil {
		return nil
	}
	return append([]Rejected(nil), *c.rejected...)
}

func (c Conf) reject(key, value, want string) {
	if c.rejected != nil {
		*c.rejected = append(*c.rejected, Rejected{Key: c.key(key), Value: value, Want: want})
	}
}

func (c Conf) key(k string) string { return c.prefix + k }

func (c Conf) lookup(key string) string {
	return strings.TrimSpace(os.Getenv(c.key(key)))
}

// MayString returns the value or def if missing/empty.
func (c Conf) MayString(key, def string) string {
	if v := c.lookup(key); v != "" {
		return v
	}
	return def
}

// MayInt returns the value or def if missing/empty; records and returns def if invalid.
func (c Conf) MayInt(key string, def int) int {
	s := c.lookup(key)
	if s == "" {
		return def
	}
	if v, err := strconv.Atoi(s); err == nil {
		return v
	}
	c.reject(key, s, "int")
	return def
}

// MayBool returns the value or def if missing/empty; records and returns def if invalid.
func (c Conf) MayBool(key string, def bool) bool {
	s := c.lookup(key)
	if s == "" {
		return def
	}
	if v, err := strconv.ParseBool(s); err == nil {
		return v
	}
	c.reject(key, s, "bool")
	return def
}

// MayDuration accepts Go durations ("90s") or bare seconds ("86400").
func (c Conf) MayDuration(key string, def time.Duration) time.Duration {
	s := c.lookup(key)
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Second
	}
	c.reject(key, s, "duration")
	return def
}

// MayCSV splits a comma-separated value; def if missing/empty.
func (c Conf) MayCSV(key string, def []string) []string {
	s := c.lookup(key)
	if s == "" {
		return def
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
