package state

import (
	"errors"
	"testing"

	"github.com/Ilingu/ilix/internal/core"
	"github.com/Ilingu/ilix/internal/keyring"
	"github.com/Ilingu/ilix/internal/testutil"
)

func testAuth(t *testing.T) (*AuthManager, *testutil.MemoryKeyring) {
	t.Helper()
	keys := testutil.NewMemoryKeyring()
	auth := NewAuthManager(AuthConfig{
		Keys:        keys,
		Fingerprint: func() string { return "machine-host-user-linux-amd64" },
	})
	return auth, keys
}

func TestInitialStateIsLoading(t *testing.T) {
	auth, _ := testAuth(t)
	s := auth.State()
	if !s.Loading || s.LoggedIn || s.DeviceID != "" {
		t.Errorf("fresh manager state = %+v, want loading and nothing else", s)
	}
}

func TestLoadInitialCreatesAndPersistsDeviceID(t *testing.T) {
	auth, keys := testAuth(t)

	s := auth.LoadInitial("")
	if s.DeviceID == "" {
		t.Fatal("device id was not derived")
	}
	if s.LoggedIn {
		t.Error("no pools yet, must not be logged in")
	}
	if s.Loading {
		t.Error("loading must be over after the initial load")
	}

	stored, err := keys.Get(keyring.DeviceIDKey)
	if err != nil {
		t.Fatalf("device id was not persisted: %v", err)
	}
	if stored != s.DeviceID {
		t.Errorf("persisted %q, state has %q", stored, s.DeviceID)
	}
}

func TestLoadInitialReusesPersistedDeviceID(t *testing.T) {
	auth, keys := testAuth(t)
	keys.Set(keyring.DeviceIDKey, "established-device-id")

	s := auth.LoadInitial("")
	if s.DeviceID != "established-device-id" {
		t.Errorf("got %q, the persisted id must win over re-derivation", s.DeviceID)
	}
}

func TestLoadInitialResolvesActiveRef(t *testing.T) {
	auth, keys := testAuth(t)
	keyPhrase := testutil.KeyPhrase("active")
	ref := keyring.KeyPhraseRef(keyPhrase)
	keys.Set(ref, keyPhrase)

	s := auth.LoadInitial(ref)
	if !s.LoggedIn || s.KeyPhrase != keyPhrase {
		t.Errorf("state = %+v, want logged in with resolved key-phrase", s)
	}
}

func TestLoadInitialMissingRefMeansLoggedOut(t *testing.T) {
	auth, _ := testAuth(t)
	s := auth.LoadInitial("key_phrase_gone")
	if s.LoggedIn || s.KeyPhrase != "" {
		t.Errorf("state = %+v, want logged out when the ref resolves to nothing", s)
	}
	if s.DeviceID == "" {
		t.Error("device id must still be derived")
	}
}

func TestLoadInitialPersistFailureIsHardStop(t *testing.T) {
	auth, keys := testAuth(t)
	keys.SetErr = func(ref string) error {
		if ref == keyring.DeviceIDKey {
			return errors.New("disk full")
		}
		return nil
	}

	var cascaded bool
	auth.Subscribe(func(change AuthChange) { cascaded = change.Cascade })

	s := auth.LoadInitial("")
	if s.DeviceID != "" || s.LoggedIn {
		t.Errorf("state = %+v, want empty logged-out state", s)
	}
	if cascaded {
		t.Error("a failed identity load must not cascade")
	}
}

func TestLoadInitialCascades(t *testing.T) {
	auth, _ := testAuth(t)
	var changes []AuthChange
	auth.Subscribe(func(change AuthChange) { changes = append(changes, change) })

	auth.LoadInitial("")
	if len(changes) != 1 || !changes[0].Cascade {
		t.Errorf("changes = %+v, want one cascading change", changes)
	}
}

func TestAdoptKeyPhrase(t *testing.T) {
	auth, keys := testAuth(t)
	auth.LoadInitial("")

	keyPhrase := testutil.KeyPhrase("adopt")
	var last AuthChange
	auth.Subscribe(func(change AuthChange) { last = change })

	if err := auth.AdoptKeyPhrase(keyPhrase, false); err != nil {
		t.Fatalf("adopt: %v", err)
	}

	s := auth.State()
	if !s.LoggedIn || s.KeyPhrase != keyPhrase {
		t.Errorf("state = %+v, want logged in with adopted key-phrase", s)
	}
	if last.Cascade {
		t.Error("adopt with cascade=false must not cascade")
	}

	stored, err := keys.Get(keyring.KeyPhraseRef(keyPhrase))
	if err != nil || stored != keyPhrase {
		t.Errorf("key-phrase not persisted under its ref: %q, %v", stored, err)
	}
}

func TestAdoptKeyPhraseRejectsMalformed(t *testing.T) {
	auth, keys := testAuth(t)
	auth.LoadInitial("")

	if err := auth.AdoptKeyPhrase("only-three-words", false); !errors.Is(err, core.ErrInvalidKeyPhrase) {
		t.Errorf("got %v, want core.ErrInvalidKeyPhrase", err)
	}
	if keys.Len() != 1 { // just the device id
		t.Error("a rejected key-phrase must not be persisted")
	}
}

func TestAdoptKeyPhrasePersistFailureLeavesStateUntouched(t *testing.T) {
	auth, keys := testAuth(t)
	auth.LoadInitial("")
	before := auth.State()

	keys.SetErr = func(ref string) error { return errors.New("disk full") }
	if err := auth.AdoptKeyPhrase(testutil.KeyPhrase("fail"), false); err == nil {
		t.Fatal("expected persist error")
	}
	if auth.State() != before {
		t.Error("state changed despite the persist failure")
	}
}

func TestActivatePoolRef(t *testing.T) {
	auth, keys := testAuth(t)
	auth.LoadInitial("")

	keyPhrase := testutil.KeyPhrase("other")
	ref := keyring.KeyPhraseRef(keyPhrase)
	keys.Set(ref, keyPhrase)

	var last AuthChange
	auth.Subscribe(func(change AuthChange) { last = change })

	if err := auth.ActivatePoolRef(ref); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if auth.State().KeyPhrase != keyPhrase {
		t.Error("active key-phrase was not switched")
	}
	if !last.Cascade {
		t.Error("activating a pool ref must cascade")
	}
}

func TestActivatePoolRefMissing(t *testing.T) {
	auth, _ := testAuth(t)
	auth.LoadInitial("")
	if err := auth.ActivatePoolRef("key_phrase_gone"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("got %v, want core.ErrNotFound", err)
	}
}

func TestResetKeepsDeviceID(t *testing.T) {
	auth, _ := testAuth(t)
	auth.LoadInitial("")
	auth.AdoptKeyPhrase(testutil.KeyPhrase("reset"), false)
	deviceID := auth.State().DeviceID

	auth.Reset()

	s := auth.State()
	if s.LoggedIn || s.KeyPhrase != "" {
		t.Errorf("state = %+v, want logged out", s)
	}
	if s.DeviceID != deviceID {
		t.Error("device id must survive a logout")
	}
}
