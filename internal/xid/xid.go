package xid

import "github.com/google/uuid"

// New returns a prefixed random identifier such as "rcp-<uuid>".
func New(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
