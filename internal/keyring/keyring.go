// Package keyring implements the secure key store: durable key->string
// storage for the device identity and one key-phrase per known pool.
package keyring

import (
	"github.com/Ilingu/ilix/internal/identity"
)

// DeviceIDKey is where the hashed device identity lives.
const DeviceIDKey = "device_id"

// KeyPhraseRef derives the opaque storage ref for a plaintext key-phrase.
// The ref is one-way: holding a ref never reveals the key-phrase, and refs
// are not enumerable by prefix inspection of the plaintext.
func KeyPhraseRef(keyPhrase string) string {
	return "key_phrase_" + identity.Hash(keyPhrase)
}

// Store is the secure key store interface. A PoolRecord is only valid while
// its KeyPhraseRef resolves here.
type Store interface {
	// Get returns the value under ref, or core.ErrNotFound.
	Get(ref string) (string, error)
	// Set stores value under ref, overwriting any previous value.
	Set(ref, value string) error
	// Delete removes ref. Deleting a missing ref is not an error.
	Delete(ref string) error
	Close() error
}
