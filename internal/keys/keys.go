// Package keys manages per-org reviewer keys. Result payloads are sealed to
// the org's active reviewer keys; the sealing itself lives behind the Sealer
// interface and is provided by the deployment.
package keys

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"studygate.org/internal/ids"
)

var (
	ErrInvalidKey  = errors.New("keys: invalid public key")
	ErrNoActiveKey = errors.New("keys: org has no active reviewer key")
)

// ReviewerKey is one reviewer's public key for an org. Rotation retires the
// reviewer's previous key and records a new one; retired keys are kept so
// old sealed payloads stay attributable.
type ReviewerKey struct {
	ID          string     `json:"id"`
	OrgID       string     `json:"orgId"`
	UserID      string     `json:"userId"`
	PublicKey   []byte     `json:"publicKey"`
	Fingerprint string     `json:"fingerprint"`
	CreatedAt   time.Time  `json:"createdAt"`
	RetiredAt   *time.Time `json:"retiredAt,omitempty"`
}

// Recipient is what a Sealer needs to know about a key.
type Recipient struct {
	PublicKey   []byte
	Fingerprint string
}

// Sealer encrypts a result payload to a set of reviewer keys. The concrete
// scheme is supplied by the deployment.
type Sealer interface {
	Seal(ctx context.Context, payload []byte, recipients []Recipient) ([]byte, error)
}

// Fingerprint derives the stable identifier for a public key.
func Fingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Store keeps reviewer key records.
type Store struct {
	mu   sync.Mutex
	keys map[string]*ReviewerKey
}

func NewStore() *Store {
	return &Store{keys: make(map[string]*ReviewerKey)}
}

// Rotate retires the user's active key for the org and records publicKey as
// the new one. Rotating to the key that is already active is a no-op and
// returns the existing record.
func (s *Store) Rotate(ctx context.Context, orgID, userID string, publicKey []byte) (ReviewerKey, error) {
	if len(publicKey) == 0 {
		return ReviewerKey{}, ErrInvalidKey
	}
	fp := Fingerprint(publicKey)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range s.keys {
		if k.OrgID != orgID || k.UserID != userID || k.RetiredAt != nil {
			continue
		}
		if k.Fingerprint == fp {
			return *k, nil
		}
		now := time.Now().UTC()
		k.RetiredAt = &now
	}

	now := time.Now().UTC()
	key := &ReviewerKey{
		ID:          ids.NewAt(now),
		OrgID:       orgID,
		UserID:      userID,
		PublicKey:   append([]byte(nil), publicKey...),
		Fingerprint: fp,
		CreatedAt:   now,
	}
	s.keys[key.ID] = key
	return *key, nil
}

// Active returns the org's active keys, one per reviewer.
func (s *Store) Active(ctx context.Context, orgID string) ([]ReviewerKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ReviewerKey
	for _, k := range s.keys {
		if k.OrgID == orgID && k.RetiredAt == nil {
			out = append(out, *k)
		}
	}
	return out, nil
}

// Recipients returns the org's active keys in Sealer form. An org with no
// active key cannot receive sealed results.
func (s *Store) Recipients(ctx context.Context, orgID string) ([]Recipient, error) {
	active, err := s.Active(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, ErrNoActiveKey
	}
	out := make([]Recipient, 0, len(active))
	for _, k := range active {
		out = append(out, Recipient{PublicKey: k.PublicKey, Fingerprint: k.Fingerprint})
	}
	return out, nil
}
