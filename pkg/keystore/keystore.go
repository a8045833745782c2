// Package keystore manages the service signing identity: an ed25519 key pair
// loaded from a well-known path at startup, generated and persisted atomically
// when absent. The private key never leaves process memory; the public key is
// exposed for external verification of ledger signatures.
package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const pemType = "CASEGOV ED25519 SEED"

// KeyStore holds the loaded signing pair.
type KeyStore struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	path string
}

// LoadOrGenerate reads the key file at path, creating it with a fresh key
// pair when it does not exist. Unreadable or corrupt key material is fatal to
// the caller: a process without valid keys must refuse to serve writes.
func LoadOrGenerate(path string) (*KeyStore, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		return parse(data, path)
	case errors.Is(err, os.ErrNotExist):
		return generate(path)
	default:
		return nil, fmt.Errorf("keystore: read %s: %w", path, err)
	}
}

func parse(data []byte, path string) (*KeyStore, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemType {
		return nil, fmt.Errorf("keystore: %s is not a %s PEM block", path, pemType)
	}
	if len(block.Bytes) != ed25519.SeedSize {
		return nil, fmt.Errorf("keystore: %s holds a %d-byte seed, want %d", path, len(block.Bytes), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(block.Bytes)
	return &KeyStore{priv: priv, pub: priv.Public().(ed25519.PublicKey), path: path}, nil
}

func generate(path string) (*KeyStore, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keystore: generate: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("keystore: mkdir: %w", err)
	}

	// Write-then-rename so a crash mid-write never leaves a truncated key.
	blob := pem.EncodeToMemory(&pem.Block{Type: pemType, Bytes: priv.Seed()})
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return nil, fmt.Errorf("keystore: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, fmt.Errorf("keystore: rename: %w", err)
	}

	return &KeyStore{priv: priv, pub: pub, path: path}, nil
}

// Sign returns the hex signature over data.
func (k *KeyStore) Sign(data []byte) string {
	return hex.EncodeToString(ed25519.Sign(k.priv, data))
}

// Verify checks a hex signature produced by Sign.
func (k *KeyStore) Verify(data []byte, sigHex string) bool {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	return ed25519.Verify(k.pub, data, sig)
}

// PublicKey returns the hex-encoded public key.
func (k *KeyStore) PublicKey() string {
	return hex.EncodeToString(k.pub)
}

// VerifyWithKey checks a signature against an externally supplied public key.
func VerifyWithKey(pubHex string, data []byte, sigHex string) (bool, error) {
	pub, err := hex.DecodeString(pubHex)
	if err != nil {
		return false, fmt.Errorf("keystore: invalid public key hex: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("keystore: public key is %d bytes, want %d", len(pub), ed25519.PublicKeySize)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("keystore: invalid signature hex: %w", err)
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig), nil
}
