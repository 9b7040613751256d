package identity

import (
	"regexp"
	"testing"
)

var hexDigest = regexp.MustCompile(`^[0-9a-f]{64}$`)

func TestHash(t *testing.T) {
	h := Hash("hello")
	if !hexDigest.MatchString(h) {
		t.Errorf("digest %q is not 64 lowercase hex chars", h)
	}
	if h != Hash("hello") {
		t.Error("hash must be deterministic")
	}
	if h == Hash("hello!") {
		t.Error("distinct inputs must hash differently")
	}
	// Known SHA3-256 vector.
	if got := Hash(""); got != "a7ffc6f8bf1ed76651c14756a061d662f580ff4de43b49fa82d80a4b80f8434a" {
		t.Errorf("empty-string digest mismatch: %s", got)
	}
}

func TestFingerprintIsStable(t *testing.T) {
	if Fingerprint() != Fingerprint() {
		t.Error("fingerprint must be stable within a process")
	}
}

func TestDeviceID(t *testing.T) {
	id := DeviceID()
	if !hexDigest.MatchString(id) {
		t.Errorf("device id %q is not a hex digest", id)
	}
	if id != Hash(Fingerprint()) {
		t.Error("device id must be the hash of the fingerprint")
	}
}
