package identity

import (
	"context"
	"sync"
)

// InMemoryDirectory is a Directory for dev mode and tests.
type InMemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewInMemoryDirectory constructs an empty directory.
func NewInMemoryDirectory() *InMemoryDirectory {
	return &InMemoryDirectory{users: make(map[string]User)}
}

// CreateUser registers a user; an existing id is a ConflictError.
func (d *InMemoryDirectory) CreateUser(ctx context.Context, in CreateUserInput) (CreateUserResult, error) {
	const op = "identity.CreateUser"
	if err := ctx.Err(); err != nil {
		return CreateUserResult{}, err
	}
	u, err := in.normalize(op)
	if err != nil {
		return CreateUserResult{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.users[u.ID]; ok {
		return CreateUserResult{}, ConflictError{Op: op, UserID: u.ID}
	}
	d.users[u.ID] = u
	return CreateUserResult{User: u}, nil
}

// GetUser returns the user or a NotFoundError.
func (d *InMemoryDirectory) GetUser(ctx context.Context, id string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	d.mu.RLock()
	u, ok := d.users[NormalizeUserID(id)]
	d.mu.RUnlock()
	if !ok {
		return User{}, NotFoundError{Op: "identity.GetUser", UserID: id}
	}
	return u, nil
}

// Exists reports whether id is registered.
func (d *InMemoryDirectory) Exists(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	d.mu.RLock()
	_, ok := d.users[NormalizeUserID(id)]
	d.mu.RUnlock()
	return ok, nil
}
