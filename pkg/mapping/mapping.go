// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mapping

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	perrors "github.com/absmach/v4proxy/pkg/errors"
)

// Protocol is the transport a mapping forwards.
type Protocol uint8

const (
	// TCP forwards byte streams.
	TCP Protocol = iota + 1

	// UDP forwards datagrams.
	UDP
)

// String returns the lower-case protocol name.
func (p Protocol) String() string {
	switch p {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	default:
		return "unknown"
	}
}

// ParseProtocol parses "tcp" or "udp", ignoring case.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tcp":
		return TCP, nil
	case "udp":
		return UDP, nil
	default:
		return 0, fmt.Errorf("%w: unknown protocol %q", perrors.ErrInvalidMapping, s)
	}
}

// Mapping binds one local port and protocol to one remote host:port.
// Values are comparable with ==.
type Mapping struct {
	Protocol   Protocol
	LocalPort  uint16
	RemotePort uint16
	Target     string
}

// New returns a validated Mapping.
func New(p Protocol, localPort, remotePort uint16, target string) (Mapping, error) {
	if p != TCP && p != UDP {
		return Mapping{}, fmt.Errorf("%w: unknown protocol %d", perrors.ErrInvalidMapping, p)
	}
	if localPort == 0 {
		return Mapping{}, fmt.Errorf("%w: local port must be non-zero", perrors.ErrInvalidMapping)
	}
	if remotePort == 0 {
		return Mapping{}, fmt.Errorf("%w: remote port must be non-zero", perrors.ErrInvalidMapping)
	}
	target = strings.TrimSpace(target)
	if target == "" {
		return Mapping{}, fmt.Errorf("%w: empty target", perrors.ErrInvalidMapping)
	}

	return Mapping{
		Protocol:   p,
		LocalPort:  localPort,
		RemotePort: remotePort,
		Target:     target,
	}, nil
}

// TargetAddress returns the upstream address in host:port form.
// IPv6 literals are bracketed.
func (m Mapping) TargetAddress() string {
	return net.JoinHostPort(m.Target, strconv.Itoa(int(m.RemotePort)))
}

// ListenAddress returns the local bind address on the given host.
func (m Mapping) ListenAddress(host string) string {
	return net.JoinHostPort(host, strconv.Itoa(int(m.LocalPort)))
}

// String renders the mapping in its textual grammar.
func (m Mapping) String() string {
	target := m.Target
	if strings.Contains(target, ":") {
		target = "[" + target + "]"
	}
	return fmt.Sprintf("%s:%d:%d@%s", m.Protocol, m.LocalPort, m.RemotePort, target)
}

// Parse parses one "protocol:local_port[:remote_port][@target]" entry.
// defaultTarget is used when the entry has no @target part.
func Parse(s, defaultTarget string) (Mapping, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Mapping{}, fmt.Errorf("%w: empty mapping", perrors.ErrInvalidMapping)
	}

	ports, target := s, defaultTarget
	if at := strings.LastIndex(s, "@"); at >= 0 {
		target = strings.TrimSpace(s[at+1:])
		if target == "" {
			return Mapping{}, fmt.Errorf("%w: empty target in %q", perrors.ErrInvalidMapping, s)
		}
		ports = strings.TrimSpace(s[:at])
	}
	target = strings.TrimSuffix(strings.TrimPrefix(target, "["), "]")

	proto, rest, ok := strings.Cut(ports, ":")
	if !ok {
		return Mapping{}, fmt.Errorf("%w: missing protocol in %q", perrors.ErrInvalidMapping, s)
	}
	p, err := ParseProtocol(proto)
	if err != nil {
		return Mapping{}, err
	}

	localStr, remoteStr, hasRemote := strings.Cut(rest, ":")
	local, err := parsePort(localStr)
	if err != nil {
		return Mapping{}, fmt.Errorf("%w: local port in %q: %v", perrors.ErrInvalidMapping, s, err)
	}
	remote := local
	if hasRemote {
		if remote, err = parsePort(remoteStr); err != nil {
			return Mapping{}, fmt.Errorf("%w: remote port in %q: %v", perrors.ErrInvalidMapping, s, err)
		}
	}

	return New(p, local, remote, target)
}

// ParseList parses a comma-separated list of mappings. Empty entries are
// skipped; the first invalid entry aborts parsing.
func ParseList(s, defaultTarget string) ([]Mapping, error) {
	var mappings []Mapping
	for _, entry := range strings.Split(s, ",") {
		if strings.TrimSpace(entry) == "" {
			continue
		}
		m, err := Parse(entry, defaultTarget)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	if len(mappings) == 0 {
		return nil, fmt.Errorf("%w: no mappings specified", perrors.ErrInvalidMapping)
	}
	return mappings, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, err
	}
	return uint16(n), nil
}
