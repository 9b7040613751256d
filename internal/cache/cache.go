// Package cache implements the bulk cache store: durable key->structured
// value storage for the pool collection and per-transfer file-info entries.
package cache

import "time"

// PoolsKey is where the serialized pool collection lives.
const PoolsKey = "device_pools"

// TransferFilesKey derives the per-transfer file-info cache key.
func TransferFilesKey(transferID string) string {
	return "files_info_" + transferID
}

// Store is the bulk cache store interface. Values are JSON-serializable
// structs owned by exactly one writer each; readers always re-read the whole
// value, mutations always write the whole value back.
type Store interface {
	// Get decodes the value under key into v. Returns core.ErrNotFound for a
	// missing or expired entry.
	Get(key string, v any) error
	// Set stores v under key. ttl == 0 means no expiry.
	Set(key string, v any, ttl time.Duration) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
	// Clear wipes every entry. Used on logout.
	Clear() error
	Close() error
}
