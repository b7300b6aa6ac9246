package util

import (
	"strings"

	"github.com/google/uuid"
	"github.com/rs/xid"
)

// NewID returns a prefixed identifier whose leading bits are a millisecond
// timestamp, so IDs sort in creation order.
func NewID(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	raw := strings.ReplaceAll(id.String(), "-", "")
	if prefix == "" {
		return raw
	}
	return prefix + "_" + raw
}

func NewRequestID() string {
	return xid.New().String()
}
