// Package core defines the shared domain types for the ilix client.
package core

import (
	"strings"
	"time"
)

// KeyPhraseWords is the number of dash-separated words in a valid pool
// key-phrase. The key-phrase is both the pool identifier and its bearer
// credential, so every credentialed call validates it first.
const KeyPhraseWords = 20

// ValidKeyPhrase reports whether code looks like a pool key-phrase.
func ValidKeyPhrase(code string) bool {
	return len(strings.Split(code, "-")) == KeyPhraseWords
}

// EmptyString reports whether s contains nothing but whitespace.
func EmptyString(s string) bool {
	return strings.TrimSpace(s) == ""
}

// -----------------------------------------------------------------------------
// POOL - A named group of devices sharing file transfers
// -----------------------------------------------------------------------------

// DevicesPool is the server-side view of a pool. This is exactly what the
// remote API and the push channel deliver; it never contains the key-phrase.
type DevicesPool struct {
	PoolName        string            `json:"pool_name"`
	DevicesID       []string          `json:"devices_id"`
	DevicesIDToName map[string]string `json:"devices_id_to_name"`
}

// Complete reports whether every required field is present. Payloads failing
// this check are never partially applied.
func (p DevicesPool) Complete() bool {
	return p.PoolName != "" && p.DevicesID != nil && p.DevicesIDToName != nil
}

// DeviceName resolves a device id to its display name within the pool.
func (p DevicesPool) DeviceName(deviceID string) (string, bool) {
	name, ok := p.DevicesIDToName[deviceID]
	return name, ok
}

// PoolRecord is the locally persisted form of a pool: the server fields plus
// the opaque reference under which the plaintext key-phrase lives in the
// secure key store. The plaintext itself is never persisted here.
type PoolRecord struct {
	DevicesPool
	KeyPhraseRef string `json:"key_phrase_ref"`
}

// PoolCollection is the ordered list of pools this device belongs to.
// Invariant: 0 <= CurrentIndex < len(Pools) whenever Pools is non-empty.
// An empty collection means logged out.
type PoolCollection struct {
	CurrentIndex int          `json:"current_index"`
	Pools        []PoolRecord `json:"pools"`
}

// Empty reports whether the device belongs to no pool.
func (c PoolCollection) Empty() bool {
	return len(c.Pools) == 0
}

// Valid reports whether the index invariant holds.
func (c PoolCollection) Valid() bool {
	if c.Empty() {
		return true
	}
	return c.CurrentIndex >= 0 && c.CurrentIndex < len(c.Pools)
}

// Current derives the currently active pool from (Pools, CurrentIndex).
// It is a pure function of the stored tuple so a deserialized collection can
// never disagree with its accessor.
func (c PoolCollection) Current() (PoolRecord, bool) {
	if !c.Valid() || c.Empty() {
		return PoolRecord{}, false
	}
	return c.Pools[c.CurrentIndex], true
}

// CloneShallow copies the collection with a fresh Pools slice so callers can
// mutate list structure without aliasing the original. The records themselves
// are shared; mutators replace whole entries rather than editing them.
func (c PoolCollection) CloneShallow() PoolCollection {
	out := PoolCollection{CurrentIndex: c.CurrentIndex}
	if c.Pools != nil {
		out.Pools = make([]PoolRecord, len(c.Pools))
		copy(out.Pools, c.Pools)
	}
	return out
}

// -----------------------------------------------------------------------------
// TRANSFER - A batch of files sent from one device to another
// -----------------------------------------------------------------------------

// FileTransfer is one transfer visible to this device inside the active pool.
type FileTransfer struct {
	ID      string   `json:"_id"`
	To      string   `json:"to"`
	From    string   `json:"from"`
	FilesID []string `json:"files_id"`
}

// Complete reports whether every required field is present.
func (t FileTransfer) Complete() bool {
	return t.ID != "" && t.To != "" && t.From != "" && t.FilesID != nil
}

// FileInfo is the metadata of one stored file, normalized from the server's
// extended-JSON wire form by the api package.
type FileInfo struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	SizeBytes  int64     `json:"size_bytes"`
	ChunkSize  int64     `json:"chunk_size"`
	UploadTime time.Time `json:"upload_time"`
}

// Complete reports whether every required field is present.
func (fi FileInfo) Complete() bool {
	return fi.ID != "" && fi.Filename != ""
}

// SameIDSet reports whether a and b contain exactly the same ids, compared as
// sets. Order and duplicates are irrelevant; this is what detects a stale
// file-info cache entry whose transfer gained or lost a file before the entry
// expired.
func SameIDSet(a, b []string) bool {
	as := make(map[string]struct{}, len(a))
	for _, id := range a {
		as[id] = struct{}{}
	}
	bs := make(map[string]struct{}, len(b))
	for _, id := range b {
		bs[id] = struct{}{}
	}
	if len(as) != len(bs) {
		return false
	}
	for id := range as {
		if _, ok := bs[id]; !ok {
			return false
		}
	}
	return true
}
