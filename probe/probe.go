package probe

import (
	"net"
	"strings"
	"sync"
)

// Static is a permission probe backed by an in-memory map. The default for
// headless deployments; platform builds inject OS-backed probes instead.
type Static struct {
	mu      sync.Mutex
	granted map[string]bool
}

func NewStatic(granted map[string]bool) *Static {
	m := make(map[string]bool, len(granted))
	for k, v := range granted {
		m[k] = v
	}
	return &Static{granted: m}
}

func (p *Static) Granted(signalID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.granted[signalID]
}

// Set flips a permission, simulating the OS granting or revoking it.
func (p *Static) Set(signalID string, granted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.granted[signalID] = granted
}

func (p *Static) ReleaseAll() {}

// InterfaceTunnel detects a privacy tunnel by scanning network interfaces
// for an up tun/wireguard device.
type InterfaceTunnel struct{}

var tunnelPrefixes = []string{"utun", "tun", "wg", "tailscale", "ppp"}

func (InterfaceTunnel) Connected() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		name := strings.ToLower(iface.Name)
		for _, prefix := range tunnelPrefixes {
			if strings.HasPrefix(name, prefix) {
				return true
			}
		}
	}
	return false
}

// StaticTunnel is a fixed-state tunnel probe for tests and config overrides.
type StaticTunnel bool

func (s StaticTunnel) Connected() bool { return bool(s) }
