package identity

import (
	"context"
	"strings"
	"time"
)

// ParseSeedList splits a comma-separated id list ("alice, bob,carol"),
// dropping blanks and duplicates while keeping order.
func ParseSeedList(raw string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, part := range strings.Split(raw, ",") {
		id := NormalizeUserID(part)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// Seed registers each id, treating already-present ids as success.
// It returns how many users were newly created.
func Seed(ctx context.Context, dir Directory, userIDs []string, now time.Time) (int, error) {
	created := 0
	for _, id := range userIDs {
		_, err := dir.CreateUser(ctx, CreateUserInput{ID: id, DisplayName: id, Now: now})
		switch {
		case err == nil:
			created++
		case IsConflict(err):
		default:
			return created, err
		}
	}
	return created, nil
}
