package rpc

import (
	"fmt"
	"strings"
)

// endpoint is a health address split into its network and address parts.
// Accepted forms are "host:port", "tcp://host:port" and "unix:///path".
type endpoint struct {
	network string
	address string
}

func parseEndpoint(raw string) (endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return endpoint{}, fmt.Errorf("health address is empty")
	}
	scheme, rest, found := strings.Cut(raw, "://")
	if !found {
		return endpoint{network: "tcp", address: raw}, nil
	}
	switch scheme {
	case "tcp", "unix":
	default:
		return endpoint{}, fmt.Errorf("health address %q: unsupported scheme %q", raw, scheme)
	}
	if rest == "" {
		return endpoint{}, fmt.Errorf("health address %q has no %s target", raw, scheme)
	}
	return endpoint{network: scheme, address: rest}, nil
}

// target is the form grpc.NewClient resolves.
func (e endpoint) target() string {
	if e.network == "unix" {
		return "unix://" + e.address
	}
	return e.address
}

func (e endpoint) String() string {
	return e.network + "://" + e.address
}
