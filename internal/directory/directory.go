// Package directory holds the local user and org records that mirror the
// identity provider. Authentication lives in the provider; this is the
// platform's own copy of names, slugs, and pending invites.
package directory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"studygate.org/internal/ids"
)

var (
	ErrNotFound     = errors.New("directory: not found")
	ErrInvalidInput = errors.New("directory: invalid input")
)

type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

type Org struct {
	ID        string    `json:"id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
}

// Invite is a pending org membership. The identity provider sends the actual
// email; the record here is what the admin screens list.
type Invite struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"orgId"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

// UserUpdate carries mutable user fields. Nil pointers leave a field as is.
type UserUpdate struct {
	Name  *string
	Email *string
}

// OrgUpdate carries mutable org fields.
type OrgUpdate struct {
	Name *string
}

type Store struct {
	mu      sync.Mutex
	users   map[string]*User
	orgs    map[string]*Org
	invites map[string]*Invite
}

func NewStore() *Store {
	return &Store{
		users:   make(map[string]*User),
		orgs:    make(map[string]*Org),
		invites: make(map[string]*Invite),
	}
}

// AddUser seeds a user record, typically on first login.
func (s *Store) AddUser(ctx context.Context, u User) (User, error) {
	if strings.TrimSpace(u.ID) == "" {
		return User{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.users[u.ID]; ok {
		return *existing, nil
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	cp := u
	s.users[u.ID] = &cp
	return u, nil
}

// AddOrg seeds an org record.
func (s *Store) AddOrg(ctx context.Context, o Org) (Org, error) {
	if strings.TrimSpace(o.ID) == "" || strings.TrimSpace(o.Slug) == "" {
		return Org{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.orgs[o.ID]; ok {
		return *existing, nil
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	cp := o
	s.orgs[o.ID] = &cp
	return o, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return *u, nil
}

func (s *Store) GetOrg(ctx context.Context, id string) (Org, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orgs[id]
	if !ok {
		return Org{}, ErrNotFound
	}
	return *o, nil
}

func (s *Store) UpdateUser(ctx context.Context, id string, upd UserUpdate) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	if upd.Name != nil {
		u.Name = strings.TrimSpace(*upd.Name)
	}
	if upd.Email != nil {
		u.Email = strings.TrimSpace(*upd.Email)
	}
	return *u, nil
}

func (s *Store) UpdateOrg(ctx context.Context, id string, upd OrgUpdate) (Org, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orgs[id]
	if !ok {
		return Org{}, ErrNotFound
	}
	if upd.Name != nil {
		o.Name = strings.TrimSpace(*upd.Name)
	}
	return *o, nil
}

// InviteUser records a pending invite. Re-inviting the same email to the same
// org returns the existing record instead of a duplicate.
func (s *Store) InviteUser(ctx context.Context, orgID, email, role string) (Invite, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return Invite{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[orgID]; !ok {
		return Invite{}, ErrNotFound
	}
	for _, inv := range s.invites {
		if inv.OrgID == orgID && inv.Email == email {
			return *inv, nil
		}
	}
	inv := &Invite{
		ID:        ids.New(),
		OrgID:     orgID,
		Email:     email,
		Role:      role,
		CreatedAt: time.Now().UTC(),
	}
	s.invites[inv.ID] = inv
	return *inv, nil
}

// InvitesForOrg lists pending invites for one org.
func (s *Store) InvitesForOrg(ctx context.Context, orgID string) ([]Invite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Invite
	for _, inv := range s.invites {
		if inv.OrgID == orgID {
			out = append(out, *inv)
		}
	}
	return out, nil
}
