package core

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validKeyPhrase() string {
	return strings.Repeat("word-", KeyPhraseWords-1) + "word"
}

func TestValidKeyPhrase(t *testing.T) {
	tests := []struct {
		name string
		code string
		want bool
	}{
		{"twenty words", validKeyPhrase(), true},
		{"nineteen words", strings.Repeat("word-", KeyPhraseWords-2) + "word", false},
		{"twenty one words", strings.Repeat("word-", KeyPhraseWords) + "word", false},
		{"empty", "", false},
		{"no dashes", "justoneword", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidKeyPhrase(tt.code))
		})
	}
}

func TestDevicesPoolComplete(t *testing.T) {
	full := DevicesPool{
		PoolName:        "home",
		DevicesID:       []string{"a"},
		DevicesIDToName: map[string]string{"a": "laptop"},
	}
	assert.True(t, full.Complete())

	noName := full
	noName.PoolName = ""
	assert.False(t, noName.Complete())

	noIDs := full
	noIDs.DevicesID = nil
	assert.False(t, noIDs.Complete())

	noNames := full
	noNames.DevicesIDToName = nil
	assert.False(t, noNames.Complete())
}

func TestPoolCollectionInvariant(t *testing.T) {
	rec := PoolRecord{
		DevicesPool:  DevicesPool{PoolName: "p", DevicesID: []string{"a"}, DevicesIDToName: map[string]string{"a": "n"}},
		KeyPhraseRef: "key_phrase_x",
	}

	tests := []struct {
		name       string
		collection PoolCollection
		valid      bool
		hasCurrent bool
	}{
		{"empty is valid", PoolCollection{}, true, false},
		{"single entry index zero", PoolCollection{Pools: []PoolRecord{rec}}, true, true},
		{"index past end", PoolCollection{CurrentIndex: 1, Pools: []PoolRecord{rec}}, false, false},
		{"negative index", PoolCollection{CurrentIndex: -1, Pools: []PoolRecord{rec}}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.collection.Valid())
			_, ok := tt.collection.Current()
			assert.Equal(t, tt.hasCurrent, ok)
		})
	}
}

func TestPoolCollectionCurrentIsDerived(t *testing.T) {
	// A deserialized collection must agree with its accessor.
	raw := `{"current_index":1,"pools":[
		{"pool_name":"a","devices_id":["d1"],"devices_id_to_name":{"d1":"one"},"key_phrase_ref":"key_phrase_a"},
		{"pool_name":"b","devices_id":["d2"],"devices_id_to_name":{"d2":"two"},"key_phrase_ref":"key_phrase_b"}
	]}`
	var c PoolCollection
	require.NoError(t, json.Unmarshal([]byte(raw), &c))

	cur, ok := c.Current()
	require.True(t, ok)
	assert.Equal(t, "b", cur.PoolName)
	assert.Equal(t, "key_phrase_b", cur.KeyPhraseRef)
}

func TestPoolCollectionCloneShallow(t *testing.T) {
	rec := PoolRecord{KeyPhraseRef: "key_phrase_a"}
	orig := PoolCollection{Pools: []PoolRecord{rec}}

	clone := orig.CloneShallow()
	clone.Pools = append(clone.Pools, PoolRecord{KeyPhraseRef: "key_phrase_b"})
	clone.Pools[0].KeyPhraseRef = "changed"

	assert.Len(t, orig.Pools, 1)
	assert.Equal(t, "key_phrase_a", orig.Pools[0].KeyPhraseRef)
}

func TestFileTransferComplete(t *testing.T) {
	full := FileTransfer{ID: "t1", To: "a", From: "b", FilesID: []string{}}
	assert.True(t, full.Complete())

	for name, mutate := range map[string]func(*FileTransfer){
		"no id":    func(t *FileTransfer) { t.ID = "" },
		"no to":    func(t *FileTransfer) { t.To = "" },
		"no from":  func(t *FileTransfer) { t.From = "" },
		"no files": func(t *FileTransfer) { t.FilesID = nil },
	} {
		t.Run(name, func(t *testing.T) {
			broken := full
			mutate(&broken)
			assert.False(t, broken.Complete())
		})
	}
}

func TestSameIDSet(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want bool
	}{
		{"both empty", nil, nil, true},
		{"same order", []string{"x", "y"}, []string{"x", "y"}, true},
		{"different order", []string{"x", "y"}, []string{"y", "x"}, true},
		{"duplicates ignored", []string{"x", "x", "y"}, []string{"y", "x"}, true},
		{"missing element", []string{"x", "y"}, []string{"x"}, false},
		{"extra element", []string{"x"}, []string{"x", "y"}, false},
		{"disjoint", []string{"x"}, []string{"y"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SameIDSet(tt.a, tt.b))
		})
	}
}
