// Package service parses the client's --service flag values
// ("local_ip:local_port:remote_port") into structured descriptors.
// sowback's proxy model is always a plain TCP ip:port pair, so parsing is
// split-on-':' and validate; every field is required and nothing is
// defaulted.
package service

import (
	"fmt"
	"strconv"
	"strings"
)

// Descriptor is one configured tunnel service: forward the server's
// remote_port to local_ip:local_port on the client.
type Descriptor struct {
	LocalIP    string
	LocalPort  uint16
	RemotePort uint16
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s:%d:%d", d.LocalIP, d.LocalPort, d.RemotePort)
}

// Parse parses one "local_ip:local_port:remote_port" string.
func Parse(s string) (Descriptor, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return Descriptor{}, fmt.Errorf("service: expected \"local_ip:local_port:remote_port\", got %q", s)
	}
	localIP := parts[0]
	if localIP == "" {
		return Descriptor{}, fmt.Errorf("service: missing local_ip in %q", s)
	}
	localPort, err := parsePort(parts[1])
	if err != nil {
		return Descriptor{}, fmt.Errorf("service: invalid local_port in %q: %w", s, err)
	}
	remotePort, err := parsePort(parts[2])
	if err != nil {
		return Descriptor{}, fmt.Errorf("service: invalid remote_port in %q: %w", s, err)
	}
	return Descriptor{LocalIP: localIP, LocalPort: localPort, RemotePort: remotePort}, nil
}

// ParseAll parses each of ss in order, failing on the first error.
func ParseAll(ss []string) ([]Descriptor, error) {
	out := make([]Descriptor, 0, len(ss))
	for _, s := range ss {
		d, err := Parse(s)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("port must be nonzero")
	}
	return uint16(n), nil
}
