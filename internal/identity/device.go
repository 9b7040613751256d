// Package identity derives the stable device identity for this install.
package identity

import (
	"fmt"
	"os"
	"os/user"
	"runtime"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Hash returns the hex SHA3-256 digest of s. Same construction is used for
// the device id and for key-phrase references, so the two stay comparable
// across restarts.
func Hash(s string) string {
	sum := sha3.Sum256([]byte(s))
	return fmt.Sprintf("%x", sum)
}

// machineIDFiles are checked in order for a hardware/install identifier.
// Best effort: any one of them is enough, and a device with none still gets
// a stable id from the remaining attributes.
var machineIDFiles = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
	"/sys/class/dmi/id/product_uuid",
}

// Fingerprint assembles the stable attributes of this device into one string.
// It never fails; missing attributes degrade to empty segments, the same way
// the mobile client treats an unreadable install time.
func Fingerprint() string {
	parts := []string{machineID(), hostname(), username(), runtime.GOOS, runtime.GOARCH}
	return strings.Join(parts, "-")
}

// DeviceID returns the hashed device identity. Immutable for the lifetime of
// the install as long as the underlying attributes do not change.
func DeviceID() string {
	return Hash(Fingerprint())
}

func machineID() string {
	for _, path := range machineIDFiles {
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id
		}
	}
	return ""
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return ""
	}
	return name
}

func username() string {
	u, err := user.Current()
	if err != nil {
		return ""
	}
	return u.Username
}
