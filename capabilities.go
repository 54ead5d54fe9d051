package drover

import (
	"fmt"
	"maps"
	"sort"
	"strings"
)

// Capabilities describes the environment a lane targets (browser, device,
// endpoint). A session never mutates them.
type Capabilities map[string]any

// Clone returns a shallow copy.
func (c Capabilities) Clone() Capabilities {
	if c == nil {
		return Capabilities{}
	}

	return maps.Clone(c)
}

// String returns the string value of key, or "" when absent.
func (c Capabilities) String(key string) string {
	v, ok := c[key]
	if !ok || v == nil {
		return ""
	}

	if s, ok := v.(string); ok {
		return s
	}

	return fmt.Sprint(v)
}

// Label is a short stable description used in logs and reports.
func (c Capabilities) Label() string {
	if name := c.String("name"); name != "" {
		return name
	}

	if len(c) == 0 {
		return "default"
	}

	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+c.String(k))
	}

	return strings.Join(parts, ",")
}

// ParseCapability parses a key=value pair as given on the command line.
func ParseCapability(s string) (string, string, error) {
	key, value, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(key) == "" {
		return "", "", fmt.Errorf("%w: capability %q is not key=value", ErrInvalidSuite, s)
	}

	return strings.TrimSpace(key), strings.TrimSpace(value), nil
}
