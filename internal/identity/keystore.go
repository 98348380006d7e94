// Package identity holds the ed25519 signing identity used for chunk tokens
// and the readiness gate that releases the token queue once it is loaded.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/msageha/voxrun/internal/store"
)

const StoreKey = "identity/ed25519"

var ErrNotReady = errors.New("identity not ready")

type Identity struct {
	public  ed25519.PublicKey
	private ed25519.PrivateKey
}

func FromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("ed25519 seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Identity{public: priv.Public().(ed25519.PublicKey), private: priv}, nil
}

func (i *Identity) PublicKey() ed25519.PublicKey { return i.public }

func (i *Identity) PublicHex() string { return hex.EncodeToString(i.public) }

// Fingerprint is a short, stable identifier for logs and status output.
func (i *Identity) Fingerprint() string {
	sum := sha256.Sum256(i.public)
	return hex.EncodeToString(sum[:8])
}

func (i *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(i.private, msg)
}

func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	return len(pub) == ed25519.PublicKeySize && ed25519.Verify(pub, msg, sig)
}

// Keystore loads the identity seed from the store, generating one on first use.
type Keystore struct {
	store store.Store
	rand  io.Reader

	mu sync.Mutex
	id *Identity
}

func NewKeystore(st store.Store) *Keystore {
	return &Keystore{store: st, rand: rand.Reader}
}

// Load returns the stored identity or creates and saves a new one. A stored
// seed that cannot be decoded is an error; it is never silently replaced.
func (k *Keystore) Load() (*Identity, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.id != nil {
		return k.id, nil
	}

	raw, ok, err := k.store.Get(StoreKey)
	if err != nil {
		return nil, fmt.Errorf("read identity: %w", err)
	}
	if ok {
		seed, err := hex.DecodeString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("decode identity seed: %w", err)
		}
		id, err := FromSeed(seed)
		if err != nil {
			return nil, fmt.Errorf("stored identity: %w", err)
		}
		k.id = id
		return id, nil
	}

	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(k.rand, seed); err != nil {
		return nil, fmt.Errorf("generate identity seed: %w", err)
	}
	id, err := FromSeed(seed)
	if err != nil {
		return nil, err
	}
	if err := k.store.Set(StoreKey, hex.EncodeToString(seed)); err != nil {
		return nil, fmt.Errorf("save identity: %w", err)
	}
	k.id = id
	return id, nil
}

// Identity returns the loaded identity, or ErrNotReady before Load succeeds.
func (k *Keystore) Identity() (*Identity, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.id == nil {
		return nil, ErrNotReady
	}
	return k.id, nil
}
