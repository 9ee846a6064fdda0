package attestation

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeyProvider abstracts signing so the in-memory backend can be swapped for
// an HSM, Vault, or cloud KMS.
type KeyProvider interface {
	Sign(msg []byte) ([]byte, error)
	PublicKey() ed25519.PublicKey
}

// MemoryKeyProvider holds an ed25519 keypair in process.
type MemoryKeyProvider struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// NewMemoryKeyProvider generates a fresh random keypair.
func NewMemoryKeyProvider() (*MemoryKeyProvider, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &MemoryKeyProvider{pub: pub, priv: priv}, nil
}

// NewMemoryKeyProviderFromSeed builds the deterministic keypair for a
// 32-byte seed. Restarting with the same master seed reproduces every
// derived entity key.
func NewMemoryKeyProviderFromSeed(seed []byte) (*MemoryKeyProvider, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &MemoryKeyProvider{
		pub:  priv.Public().(ed25519.PublicKey),
		priv: priv,
	}, nil
}

func (m *MemoryKeyProvider) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(m.priv, msg), nil
}

func (m *MemoryKeyProvider) PublicKey() ed25519.PublicKey {
	return m.pub
}

// Keyring signs attestation documents and derives per-entity keyrings.
type Keyring struct {
	provider KeyProvider
}

// NewKeyring wraps a provider.
func NewKeyring(p KeyProvider) *Keyring {
	return &Keyring{provider: p}
}

func (k *Keyring) Sign(msg []byte) ([]byte, error) {
	return k.provider.Sign(msg)
}

func (k *Keyring) PublicKey() ed25519.PublicKey {
	return k.provider.PublicKey()
}

// DeriveForEntity derives an entity-specific keyring with HKDF-SHA256. The
// master key's seed is the input key material and the entity id the info
// string, so each entity gets a unique, deterministic keypair and one
// leaked entity key never exposes another entity's.
func (k *Keyring) DeriveForEntity(entityID string) (*Keyring, error) {
	if entityID == "" {
		return nil, fmt.Errorf("entityID must not be empty")
	}

	master, ok := k.provider.(*MemoryKeyProvider)
	if !ok {
		return nil, fmt.Errorf("entity key derivation requires MemoryKeyProvider")
	}
	seed := master.priv.Seed()

	hkdfReader := hkdf.New(sha256.New, seed, []byte("veract-entity-kdf"), []byte(entityID))
	entitySeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(hkdfReader, entitySeed); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}

	priv := ed25519.NewKeyFromSeed(entitySeed)
	derived := &MemoryKeyProvider{
		pub:  priv.Public().(ed25519.PublicKey),
		priv: priv,
	}
	return NewKeyring(derived), nil
}
