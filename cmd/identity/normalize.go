package identity

import (
	"regexp"
	"strings"
)

// MaxUserIDLen bounds user ids. Generated ids are 26-char ULIDs; seeded ids
// may be shorter handles such as "alice".
const MaxUserIDLen = 64

var userIDRe = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)

// NormalizeUserID trims surrounding whitespace. Ids are case-sensitive.
func NormalizeUserID(s string) string {
	return strings.TrimSpace(s)
}

// ValidUserID reports whether a normalized id is acceptable.
func ValidUserID(id string) bool {
	return id != "" && len(id) <= MaxUserIDLen && userIDRe.MatchString(id)
}

// NormalizeDisplayName trims and collapses internal whitespace runs.
func NormalizeDisplayName(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
