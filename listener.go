package authgate

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseListenerSpec parses a connection spec of the form "inet:PORT@HOST"
// or "unix:PATH" (§6) into the (network, address) pair net.Listen expects.
func ParseListenerSpec(spec string) (network, address string, err error) {
	scheme, rest, ok := strings.Cut(spec, ":")
	if !ok {
		return "", "", fmt.Errorf("authgate: malformed listener spec %q", spec)
	}

	switch scheme {
	case "unix":
		if rest == "" {
			return "", "", fmt.Errorf("authgate: unix listener spec %q missing path", spec)
		}
		return "unix", rest, nil

	case "inet":
		port, host, ok := strings.Cut(rest, "@")
		if !ok {
			return "", "", fmt.Errorf("authgate: inet listener spec %q missing @host", spec)
		}
		if _, err := strconv.Atoi(port); err != nil {
			return "", "", fmt.Errorf("authgate: inet listener spec %q has invalid port: %w", spec, err)
		}
		if host == "" {
			host = "0.0.0.0"
		}
		return "tcp", host + ":" + port, nil

	default:
		return "", "", fmt.Errorf("authgate: unknown listener scheme %q in spec %q", scheme, spec)
	}
}

// ResolvedListener is one listener spec resolved to a concrete network
// address, labeled with the name it was configured under ("" for the
// primary data Connection, "metrics" for MetricConnection).
type ResolvedListener struct {
	Name    string
	Network string
	Address string
}

// Listeners resolves Connection, Connections, and MetricConnection into a
// flat list, returning ErrListenerCollision if any two resolve to the same
// (network, address) pair — per §9's resolution that a metric-port
// collision refuses to start rather than silently sharing a socket.
func (c *Config) Listeners() ([]ResolvedListener, error) {
	var out []ResolvedListener
	seen := make(map[string]string)

	add := func(name, spec string) error {
		network, address, err := ParseListenerSpec(spec)
		if err != nil {
			return err
		}
		key := network + ":" + address
		if existing, dup := seen[key]; dup {
			return fmt.Errorf("%w: %q and %q both resolve to %s", ErrListenerCollision, existing, name, key)
		}
		seen[key] = name
		out = append(out, ResolvedListener{Name: name, Network: network, Address: address})
		return nil
	}

	if c.Connection == "" {
		return nil, fmt.Errorf("authgate: at least one connection is required")
	}
	if err := add("", c.Connection); err != nil {
		return nil, err
	}
	for name, l := range c.Connections {
		if err := add(name, l.Spec); err != nil {
			return nil, err
		}
	}
	if c.MetricConnection != "" {
		if err := add("metrics", c.MetricConnection); err != nil {
			return nil, err
		}
	}
	return out, nil
}
