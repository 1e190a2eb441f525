// ABOUTME: Hardware fingerprint used to bind encrypted sessions to one machine
// ABOUTME: SHA-256 over MAC address, hostname, and platform identifiers

package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"os"
	"runtime"
	"strings"
)

// HardwareID returns a stable hex fingerprint of this machine. Sessions
// encrypted here will not decrypt on other hardware; a changed NIC or
// hostname invalidates the vault, which reads as "no session".
func HardwareID() string {
	parts := []string{
		primaryMAC(),
		hostname(),
		runtime.GOOS,
		runtime.GOARCH,
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// primaryMAC returns the MAC of the first non-loopback interface that
// has one, or "unknown" when none is available.
func primaryMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "unknown"
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if addr := iface.HardwareAddr.String(); addr != "" {
			return addr
		}
	}
	return "unknown"
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}
