package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

type gormUser struct {
	ID          string    `gorm:"primaryKey;size:64"`
	DisplayName string    `gorm:"size:200;not null;default:''"`
	CreatedAt   time.Time `gorm:"not null"`
}

func (gormUser) TableName() string { return "users" }

// GormStore implements Directory over GORM (SQLite deployments).
// The *gorm.DB is owned by the caller.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore constructs a GormStore.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("identity: nil gorm db")
	}
	return &GormStore{db: db}, nil
}

// Migrate creates or updates the users table.
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&gormUser{})
}

// CreateUser inserts a user row. Duplicate ids need TranslateError on the DB
// to surface as ConflictError.
func (s *GormStore) CreateUser(ctx context.Context, in CreateUserInput) (CreateUserResult, error) {
	const op = "identity.CreateUser"
	if err := ctx.Err(); err != nil {
		return CreateUserResult{}, err
	}
	u, err := in.normalize(op)
	if err != nil {
		return CreateUserResult{}, err
	}

	row := gormUser{ID: u.ID, DisplayName: u.DisplayName, CreatedAt: u.CreatedAt}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return CreateUserResult{}, ConflictError{Op: op, UserID: u.ID}
		}
		return CreateUserResult{}, err
	}
	return CreateUserResult{User: u}, nil
}

// GetUser loads a user by id.
func (s *GormStore) GetUser(ctx context.Context, id string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	var row gormUser
	err := s.db.WithContext(ctx).Where("id = ?", NormalizeUserID(id)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, NotFoundError{Op: "identity.GetUser", UserID: id}
	}
	if err != nil {
		return User{}, err
	}
	return User{ID: row.ID, DisplayName: row.DisplayName, CreatedAt: row.CreatedAt.UTC()}, nil
}

// Exists reports whether id is registered.
func (s *GormStore) Exists(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var n int64
	err := s.db.WithContext(ctx).Model(&gormUser{}).Where("id = ?", NormalizeUserID(id)).Limit(1).Count(&n).Error
	return n > 0, err
}
