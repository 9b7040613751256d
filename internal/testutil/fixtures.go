package testutil

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/Ilingu/ilix/internal/core"
	"github.com/Ilingu/ilix/internal/keyring"
)

// RandomID generates a random hex ID for testing.
func RandomID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

// KeyPhrase returns a syntactically valid key-phrase seeded with tag so two
// fixtures never collide.
func KeyPhrase(tag string) string {
	words := make([]string, core.KeyPhraseWords)
	for i := range words {
		words[i] = fmt.Sprintf("%s%d", tag, i)
	}
	return strings.Join(words, "-")
}

// PoolFixture returns a complete pool record whose key-phrase ref is derived
// from KeyPhrase(tag), matching what the auth layer would store.
func PoolFixture(tag, deviceID string) core.PoolRecord {
	return core.PoolRecord{
		DevicesPool: core.DevicesPool{
			PoolName:        "pool-" + tag,
			DevicesID:       []string{deviceID, "peer-" + tag},
			DevicesIDToName: map[string]string{deviceID: "me", "peer-" + tag: "peer"},
		},
		KeyPhraseRef: keyring.KeyPhraseRef(KeyPhrase(tag)),
	}
}

// TransferFixture returns a complete transfer addressed to deviceID.
func TransferFixture(id, deviceID string) core.FileTransfer {
	return core.FileTransfer{
		ID:      id,
		To:      deviceID,
		From:    "peer-device",
		FilesID: []string{"file-" + id + "-a", "file-" + id + "-b"},
	}
}
