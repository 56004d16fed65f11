package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

const keyFile = "identity.hex"

// ErrNoIdentity is returned by Load when no key file exists yet.
var ErrNoIdentity = errors.New("no identity")

// Identity holds the session signing key. The secret never leaves this
// struct except through Sign; everything on the wire carries only PublicKey.
type Identity struct {
	secretKey string
	PublicKey string
}

func Generate() (Identity, error) {
	sk := nostr.GeneratePrivateKey()
	return fromSecret(sk)
}

func fromSecret(sk string) (Identity, error) {
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return Identity{}, fmt.Errorf("derive public key: %w", err)
	}
	return Identity{secretKey: sk, PublicKey: pk}, nil
}

func Load(dir string) (Identity, error) {
	raw, err := os.ReadFile(filepath.Join(dir, keyFile))
	if err != nil {
		if os.IsNotExist(err) {
			return Identity{}, ErrNoIdentity
		}
		return Identity{}, err
	}
	sk := strings.TrimSpace(string(raw))
	if sk == "" {
		return Identity{}, ErrNoIdentity
	}
	return fromSecret(sk)
}

func (id Identity) Save(dir string) error {
	if id.secretKey == "" {
		return errors.New("empty key")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, keyFile), []byte(id.secretKey+"\n"), 0600)
}

// LoadOrGenerate is the session startup path: reuse the stored key when
// present, otherwise mint and persist a fresh one.
func LoadOrGenerate(dir string) (Identity, error) {
	id, err := Load(dir)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, ErrNoIdentity) {
		return Identity{}, err
	}
	id, err = Generate()
	if err != nil {
		return Identity{}, err
	}
	if err := id.Save(dir); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// Reset discards the stored key and mints a new identity. Messages signed
// by the old key stay attributed to the old public key permanently.
func Reset(dir string) (Identity, error) {
	_ = os.Remove(filepath.Join(dir, keyFile))
	id, err := Generate()
	if err != nil {
		return Identity{}, err
	}
	if err := id.Save(dir); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// Sign finalizes ev: computes its canonical ID and attaches the signature.
func (id Identity) Sign(ev *nostr.Event) error {
	if id.secretKey == "" {
		return errors.New("identity not initialized")
	}
	return ev.Sign(id.secretKey)
}
