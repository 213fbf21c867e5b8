package identity

import (
	"context"
	"time"
)

// User is a parley participant.
type User struct {
	ID          string
	DisplayName string
	CreatedAt   time.Time
}

// CreateUserInput describes a registration. An empty ID gets a generated ULID.
type CreateUserInput struct {
	ID          string
	DisplayName string
	Now         time.Time
}

// CreateUserResult returns the created user.
type CreateUserResult struct {
	User User
}

// Directory is the user persistence boundary.
//
// Exists is the hot path: the messaging engine calls it for every send and
// fetch to resolve the partner id.
type Directory interface {
	CreateUser(ctx context.Context, in CreateUserInput) (CreateUserResult, error)
	GetUser(ctx context.Context, id string) (User, error)
	Exists(ctx context.Context, id string) (bool, error)
}

func (in CreateUserInput) normalize(op string) (User, error) {
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id := NormalizeUserID(in.ID)
	if id == "" {
		gen, err := NewULID(now)
		if err != nil {
			return User{}, err
		}
		id = gen
	}
	if !ValidUserID(id) {
		return User{}, invalid(op, "invalid user id")
	}

	return User{
		ID:          id,
		DisplayName: NormalizeDisplayName(in.DisplayName),
		CreatedAt:   now.UTC(),
	}, nil
}
