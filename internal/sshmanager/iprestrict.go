package sshmanager

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/logutil"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/tunnelerr"
)

const (
	EventGatewayRestricted EventType = "gateway_restricted"
)

// ParseAllowedIPs parses a comma-separated list of IPs and CIDR ranges.
// Single IPs are converted to /32 (IPv4) or /128 (IPv6) networks. Empty
// input returns nil (allow-all).
func ParseAllowedIPs(allowList string) ([]*net.IPNet, error) {
	allowList = strings.TrimSpace(allowList)
	if allowList == "" {
		return nil, nil
	}

	var networks []*net.IPNet
	for _, part := range strings.Split(allowList, ",") {
		entry := strings.TrimSpace(part)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			_, network, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", entry, err)
			}
			networks = append(networks, network)
			continue
		}

		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP address %q", entry)
		}
		var mask net.IPMask
		if ip.To4() != nil {
			mask = net.CIDRMask(32, 32)
		} else {
			mask = net.CIDRMask(128, 128)
		}
		networks = append(networks, &net.IPNet{IP: ip.Mask(mask), Mask: mask})
	}

	return networks, nil
}

// CheckIPAllowed verifies that ip is inside one of networks. An empty list
// allows everything.
func CheckIPAllowed(ip string, networks []*net.IPNet) error {
	if len(networks) == 0 {
		return nil
	}
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return fmt.Errorf("could not parse gateway IP %q", logutil.SanitizeForLog(ip))
	}
	for _, network := range networks {
		if network.Contains(parsed) {
			return nil
		}
	}
	return fmt.Errorf("gateway IP %s is not in the allowed list", logutil.SanitizeForLog(ip))
}

// Resolver looks up the addresses of a gateway host name.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// GatewayAllowList restricts which gateways the pool may dial. Every address
// a host name resolves to must be allowed, so DNS cannot smuggle in an
// address outside the list.
type GatewayAllowList struct {
	networks []*net.IPNet
	resolver Resolver
}

// NewGatewayAllowList parses allowList. An empty list allows all gateways.
func NewGatewayAllowList(allowList string) (*GatewayAllowList, error) {
	networks, err := ParseAllowedIPs(allowList)
	if err != nil {
		return nil, fmt.Errorf("invalid gateway allow list: %w", err)
	}
	return &GatewayAllowList{networks: networks, resolver: net.DefaultResolver}, nil
}

// Empty reports whether the list allows every gateway.
func (g *GatewayAllowList) Empty() bool {
	return g == nil || len(g.networks) == 0
}

// Check returns a ConnectBlocked error when host is, or resolves to, an
// address outside the list.
func (g *GatewayAllowList) Check(ctx context.Context, host string) error {
	if g.Empty() {
		return nil
	}
	addrs := []string{host}
	if net.ParseIP(host) == nil {
		resolved, err := g.resolver.LookupHost(ctx, host)
		if err != nil {
			return tunnelerr.New(tunnelerr.TransportConnectFailed, tunnelerr.HopGateway,
				"resolve "+logutil.SanitizeForLog(host), err)
		}
		addrs = resolved
	}
	for _, a := range addrs {
		if err := CheckIPAllowed(a, g.networks); err != nil {
			return tunnelerr.New(tunnelerr.ConnectBlocked, tunnelerr.HopLocal, "allow list", err)
		}
	}
	return nil
}

// NormalizeAllowList validates and normalizes a comma-separated IP/CIDR list.
func NormalizeAllowList(allowList string) (string, error) {
	allowList = strings.TrimSpace(allowList)
	if allowList == "" {
		return "", nil
	}

	var normalized []string
	for _, part := range strings.Split(allowList, ",") {
		entry := strings.TrimSpace(part)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			_, network, err := net.ParseCIDR(entry)
			if err != nil {
				return "", fmt.Errorf("invalid CIDR %q: %w", entry, err)
			}
			normalized = append(normalized, network.String())
		} else {
			ip := net.ParseIP(entry)
			if ip == nil {
				return "", fmt.Errorf("invalid IP address %q", entry)
			}
			normalized = append(normalized, ip.String())
		}
	}

	return strings.Join(normalized, ", "), nil
}
