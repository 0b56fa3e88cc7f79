package supervisor

import (
	"context"
	"fmt"
	"net"
	"strings"
)

// NotRunning is the PID reported by a service that has no live process.
const NotRunning = -1

// Kind is the role a service plays on the rack controller.
type Kind int

const (
	// KindRack is the rack controller itself
	KindRack Kind = iota
	// KindDHCP is the IPv4 DHCP server
	KindDHCP
	// KindDHCPv6 is the IPv6 DHCP server
	KindDHCPv6
	// KindDHCPRelay is the DHCP relay agent
	KindDHCPRelay
	// KindDNS is the DNS server
	KindDNS
	// KindNTP is the time server
	KindNTP
	// KindProxy is the HTTP proxy
	KindProxy
	// KindTFTP is the TFTP server
	KindTFTP
)

// Kind string constants
const (
	kindRackStr      = "rack"
	kindDHCPStr      = "dhcp"
	kindDHCPv6Str    = "dhcpv6"
	kindDHCPRelayStr = "dhcp-relay"
	kindDNSStr       = "dns"
	kindNTPStr       = "ntp"
	kindProxyStr     = "proxy"
	kindTFTPStr      = "tftp"
)

// Kinds lists every known kind in declaration order.
func Kinds() []Kind {
	return []Kind{KindRack, KindDHCP, KindDHCPv6, KindDHCPRelay, KindDNS, KindNTP, KindProxy, KindTFTP}
}

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindRack:
		return kindRackStr
	case KindDHCP:
		return kindDHCPStr
	case KindDHCPv6:
		return kindDHCPv6Str
	case KindDHCPRelay:
		return kindDHCPRelayStr
	case KindDNS:
		return kindDNSStr
	case KindNTP:
		return kindNTPStr
	case KindProxy:
		return kindProxyStr
	case KindTFTP:
		return kindTFTPStr
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind converts a kind name back to a Kind. Matching is case-insensitive.
func ParseKind(s string) (Kind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for _, k := range Kinds() {
		if k.String() == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: kind %q", ErrUnknownService, s)
}

// Service is the lifecycle contract every managed daemon implements,
// whatever mechanism actually runs it.
//
// Start on a running service fails with ErrAlreadyRunning and Stop on a
// stopped one with ErrAlreadyStopped, both without side effects. Status
// returns nil only when the live state is healthy.
type Service interface {
	Name() string
	Type() Kind
	// PID returns the live process ID, or NotRunning
	PID() int

	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	Status(ctx context.Context) error
}

// ReloadableService is a Service that can re-read its configuration in place.
type ReloadableService interface {
	Service
	Reload(ctx context.Context) error
}

// ConfigData is a decoded, render-ready DHCP configuration.
type ConfigData struct {
	// Config is the complete daemon configuration file
	Config []byte
	// Interfaces are the network interfaces the daemon should serve
	Interfaces []string
}

// Enabled reports whether the configuration asks for a running server.
func (d ConfigData) Enabled() bool {
	return len(d.Config) > 0 && len(d.Interfaces) > 0
}

// Configurable is a Service that accepts configuration pushes from the
// region controller at regionIP.
type Configurable interface {
	Service
	Configure(ctx context.Context, data ConfigData, regionIP net.IP) error
}
