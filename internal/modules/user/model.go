// README: User directory consulted before reservations. Only verification and
// activity flags are known here; profiles live elsewhere.
package user

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"campusride/internal/infra"
	"campusride/internal/types"
)

type User struct {
	ID       types.ID
	Verified bool
	Active   bool
}

func (u User) Bookable() bool {
	return u.Verified && u.Active
}

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// IsVerifiedAndActive reports false for unknown users.
func (s *Store) IsVerifiedAndActive(ctx context.Context, id types.ID) (bool, error) {
	var u User
	err := infra.Conn(ctx, s.db).QueryRow(ctx, `
		SELECT id, verified, active FROM users WHERE id = $1`, string(id),
	).Scan(&u.ID, &u.Verified, &u.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "get user")
	}
	return u.Bookable(), nil
}

func (s *Store) Upsert(ctx context.Context, u User) error {
	_, err := infra.Conn(ctx, s.db).Exec(ctx, `
		INSERT INTO users (id, verified, active) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET verified = EXCLUDED.verified, active = EXCLUDED.active`,
		string(u.ID), u.Verified, u.Active,
	)
	return errors.Wrap(err, "upsert user")
}

type MemoryStore struct {
	mu    sync.RWMutex
	users map[types.ID]User
}

func NewMemoryStore(users ...User) *MemoryStore {
	s := &MemoryStore{users: make(map[types.ID]User)}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

func (s *MemoryStore) IsVerifiedAndActive(_ context.Context, id types.ID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users[id].Bookable(), nil
}

func (s *MemoryStore) Upsert(_ context.Context, u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	return nil
}
