package xid

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a prefixed entity id, e.g. "bill-4f1c…".
func New(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// IsWellFormed reports whether id has the prefix-uuid shape produced by New.
// References that fail this check are not treated as explicit product ids by
// the resolver.
func IsWellFormed(id string) bool {
	idx := strings.IndexByte(id, '-')
	if idx < 1 || idx == len(id)-1 {
		return false
	}
	return uuid.Validate(id[idx+1:]) == nil
}
