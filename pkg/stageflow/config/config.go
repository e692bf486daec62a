package config

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Config is an immutable tree of configuration values with typed lookups.
//
// Keys are dotted paths ("global.threadPool.maxThreads") that walk nested
// maps; a literal key containing dots is also matched, so flat maps loaded
// from property-style sources work the same way. Every accessor returns its
// default when the key is missing or the value cannot be converted.
type Config struct {
	data map[string]any
}

// New creates a Config from the given map.
// If data is nil, an empty Config is returned.
func New(data map[string]any) Config {
	if data == nil {
		data = make(map[string]any)
	}
	return Config{data: data}
}

// lookup resolves a dotted key. An exact match at the current level wins
// over descending into a nested map.
func (c Config) lookup(key string) (any, bool) {
	m := c.data
	for {
		if v, ok := m[key]; ok {
			return v, true
		}
		head, rest, found := strings.Cut(key, ".")
		if !found {
			return nil, false
		}
		child, ok := asMap(m[head])
		if !ok {
			return nil, false
		}
		m, key = child, rest
	}
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Config:
		return m.data, true
	}
	return nil, false
}

// String returns the string value for key, or defaultVal if missing.
// Scalars of other types are formatted.
func (c Config) String(key, defaultVal string) string {
	v, ok := c.lookup(key)
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case string:
		return val
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	}
	return defaultVal
}

// Duration returns the duration value for key, or defaultVal if missing or invalid.
//
// Accepts:
//   - string: parsed with time.ParseDuration, or as plain milliseconds
//   - int, int64, whole float64: milliseconds
//   - time.Duration: used directly
func (c Config) Duration(key string, defaultVal time.Duration) time.Duration {
	v, ok := c.lookup(key)
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case string:
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if ms, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	case float64:
		return time.Duration(val * float64(time.Millisecond))
	case int:
		return time.Duration(val) * time.Millisecond
	case int64:
		return time.Duration(val) * time.Millisecond
	case time.Duration:
		return val
	}
	return defaultVal
}

// Bool returns the boolean value for key, or defaultVal if missing or not a bool.
// Strings accepted by strconv.ParseBool ("true", "TRUE", "1", ...) are converted.
func (c Config) Bool(key string, defaultVal bool) bool {
	v, ok := c.lookup(key)
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case bool:
		return val
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(val)); err == nil {
			return b
		}
	}
	return defaultVal
}

// Int returns the integer value for key, or defaultVal if missing or not convertible.
//
// Accepts int, int64, float64 without a fractional part, and decimal strings.
func (c Config) Int(key string, defaultVal int) int {
	v, ok := c.lookup(key)
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		if val == float64(int(val)) {
			return int(val)
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return n
		}
	}
	return defaultVal
}

// Float returns the float64 value for key, or defaultVal if missing or not convertible.
func (c Config) Float(key string, defaultVal float64) float64 {
	v, ok := c.lookup(key)
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return val
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// StringSlice returns the string slice for key, or defaultVal if missing or not convertible.
func (c Config) StringSlice(key string, defaultVal []string) []string {
	v, ok := c.lookup(key)
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case []string:
		return val
	case []any:
		result := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return defaultVal
			}
			result = append(result, s)
		}
		return result
	}
	return defaultVal
}

// Any returns the raw value for key, or defaultVal if missing.
func (c Config) Any(key string, defaultVal any) any {
	v, ok := c.lookup(key)
	if !ok {
		return defaultVal
	}
	return v
}

// Has returns true if the key exists in the config.
func (c Config) Has(key string) bool {
	_, ok := c.lookup(key)
	return ok
}

// Sub returns the subtree rooted at prefix. Flat keys that start with
// "prefix." are folded into the result. A missing prefix yields an empty
// Config.
func (c Config) Sub(prefix string) Config {
	out := make(map[string]any)
	if v, ok := c.lookup(prefix); ok {
		if m, ok := asMap(v); ok {
			for k, val := range m {
				out[k] = val
			}
		}
	}
	flat := prefix + "."
	for k, val := range c.data {
		if rest, ok := strings.CutPrefix(k, flat); ok {
			out[rest] = val
		}
	}
	return Config{data: out}
}

// Keys returns the immediate child keys, sorted. Flat dotted keys
// contribute their first segment.
func (c Config) Keys() []string {
	seen := make(map[string]struct{}, len(c.data))
	for k := range c.data {
		head, _, _ := strings.Cut(k, ".")
		seen[head] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Stages returns the names of the stages configured under "stages".
func (c Config) Stages() []string {
	return c.Sub("stages").Keys()
}

// With returns a copy of the config with key set to value at the top level.
// The receiver is not modified.
func (c Config) With(key string, value any) Config {
	out := make(map[string]any, len(c.data)+1)
	for k, v := range c.data {
		out[k] = v
	}
	out[key] = value
	return Config{data: out}
}

// Raw returns the underlying map.
// The returned map should not be modified.
func (c Config) Raw() map[string]any {
	return c.data
}
