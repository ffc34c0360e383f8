package attestation

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"

	"github.com/jkaninda/enclave/internal/domain"
)

// mldsaScheme is the post-quantum half of the hybrid signature.
var mldsaScheme sign.Scheme = mldsa65.Scheme()

// KeyPair holds one generation of signing keys: an Ed25519 key (classical)
// and an ML-DSA-65 key (post-quantum). Both sign every attestation.
type KeyPair struct {
	KeyID string

	edPublic  ed25519.PublicKey
	edPrivate ed25519.PrivateKey
	pqPublic  sign.PublicKey
	pqPrivate sign.PrivateKey
}

// GenerateKeyPair creates a fresh hybrid keypair with a random key id.
func GenerateKeyPair() (*KeyPair, error) {
	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ed25519 key: %w", err)
	}
	pqPub, pqPriv, err := mldsaScheme.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generating ml-dsa key: %w", err)
	}
	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, err
	}
	return &KeyPair{
		KeyID:     hex.EncodeToString(idBytes),
		edPublic:  edPub,
		edPrivate: edPriv,
		pqPublic:  pqPub,
		pqPrivate: pqPriv,
	}, nil
}

// Sign produces the hybrid signature over the canonical bytes.
func (k *KeyPair) Sign(canonical []byte) domain.HybridSignature {
	return domain.HybridSignature{
		KeyID:       k.KeyID,
		Classical:   ed25519.Sign(k.edPrivate, canonical),
		PostQuantum: mldsaScheme.Sign(k.pqPrivate, canonical, nil),
	}
}

// PublicKeys is the verification half of a keypair.
type PublicKeys struct {
	KeyID string
	Ed    ed25519.PublicKey
	PQ    sign.PublicKey

	// NotAfter bounds the rotation overlap window; zero means the key is
	// the active generation and verifies indefinitely.
	NotAfter time.Time
}

// Verify checks both signature components against this key generation.
func (p *PublicKeys) Verify(canonical []byte, sig domain.HybridSignature) bool {
	if !ed25519.Verify(p.Ed, canonical, sig.Classical) {
		return false
	}
	return mldsaScheme.Verify(p.PQ, canonical, sig.PostQuantum, nil)
}

// Keyring holds the active signing keypair plus previous generations kept
// verifiable through their rotation overlap window, so attestations signed
// just before a rotation are not invalidated mid-flight.
type Keyring struct {
	mu       sync.RWMutex
	active   *KeyPair
	retired  []*PublicKeys
	overlap  time.Duration
}

// NewKeyring creates a keyring with a freshly generated active keypair.
func NewKeyring(overlap time.Duration) (*Keyring, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if overlap <= 0 {
		overlap = 24 * time.Hour
	}
	return &Keyring{active: kp, overlap: overlap}, nil
}

// Active returns the current signing keypair.
func (r *Keyring) Active() *KeyPair {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Rotate generates a new active keypair. The outgoing generation remains
// verifiable until the overlap window elapses.
func (r *Keyring) Rotate() error {
	next, err := GenerateKeyPair()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retired = append(r.retired, &PublicKeys{
		KeyID:    r.active.KeyID,
		Ed:       r.active.edPublic,
		PQ:       r.active.pqPublic,
		NotAfter: time.Now().UTC().Add(r.overlap),
	})
	r.active = next
	return nil
}

// Lookup returns the verification keys for a key id if it is the active
// generation or a retired one still inside its overlap window.
func (r *Keyring) Lookup(keyID string, now time.Time) (*PublicKeys, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active.KeyID == keyID {
		return &PublicKeys{KeyID: keyID, Ed: r.active.edPublic, PQ: r.active.pqPublic}, true
	}
	for _, pk := range r.retired {
		if pk.KeyID == keyID && now.Before(pk.NotAfter) {
			return pk, true
		}
	}
	return nil, false
}
