package sync

import (
	"net"
	"strings"
)

// NetworkChecker reports the state of the local network before any provider
// call is made.
type NetworkChecker interface {
	Online() bool
	OnWiFi() bool
}

// InterfaceChecker inspects the host's network interfaces. Wireless links are
// recognised by interface name.
type InterfaceChecker struct {
	// Interfaces defaults to net.Interfaces.
	Interfaces func() ([]net.Interface, error)
}

func (c InterfaceChecker) active() []net.Interface {
	list := c.Interfaces
	if list == nil {
		list = net.Interfaces
	}
	ifaces, err := list()
	if err != nil {
		return nil
	}
	var out []net.Interface
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		out = append(out, ifi)
	}
	return out
}

// Online reports whether any non-loopback interface is up.
func (c InterfaceChecker) Online() bool {
	return len(c.active()) > 0
}

// OnWiFi reports whether an active interface looks wireless.
func (c InterfaceChecker) OnWiFi() bool {
	for _, ifi := range c.active() {
		if isWirelessName(ifi.Name) {
			return true
		}
	}
	return false
}

func isWirelessName(name string) bool {
	n := strings.ToLower(name)
	switch {
	case strings.HasPrefix(n, "wl"), // wlan0, wlp2s0
		strings.HasPrefix(n, "wi-fi"),
		strings.HasPrefix(n, "wifi"),
		strings.HasPrefix(n, "ath"),
		n == "en0": // built-in AirPort on macOS laptops
		return true
	}
	return false
}
