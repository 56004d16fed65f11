package identity

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

func TestLoadMissing(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("got %v, want ErrNoIdentity", err)
	}
}

func TestLoadOrGeneratePersists(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrGenerate(dir)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if first.PublicKey == "" {
		t.Fatal("empty public key")
	}

	second, err := LoadOrGenerate(dir)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.PublicKey != first.PublicKey {
		t.Fatalf("key changed across runs: %s vs %s", first.PublicKey, second.PublicKey)
	}

	info, err := os.Stat(filepath.Join(dir, keyFile))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Fatalf("key file mode %o, want 0600", perm)
	}
}

func TestResetMintsNewKey(t *testing.T) {
	dir := t.TempDir()
	old, err := LoadOrGenerate(dir)
	if err != nil {
		t.Fatal(err)
	}

	fresh, err := Reset(dir)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if fresh.PublicKey == old.PublicKey {
		t.Fatal("reset kept the old key")
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.PublicKey != fresh.PublicKey {
		t.Fatal("reset key not persisted")
	}
}

func TestSignProducesVerifiableEvent(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	ev := &nostr.Event{Kind: 1, CreatedAt: nostr.Now(), Content: "signed"}
	if err := id.Sign(ev); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if ev.PubKey != id.PublicKey {
		t.Fatalf("event pubkey %s, want %s", ev.PubKey, id.PublicKey)
	}
	if ok, err := ev.CheckSignature(); err != nil || !ok {
		t.Fatalf("verify: ok=%v err=%v", ok, err)
	}
}

func TestSignUninitialized(t *testing.T) {
	var id Identity
	if err := id.Sign(&nostr.Event{}); err == nil {
		t.Fatal("zero identity signed an event")
	}
}
