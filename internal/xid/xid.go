package xid

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// New mints ids shaped like TXN1767225600000-1a2b3c: the prefix, the minting
// time in milliseconds, and a short random suffix so two ids minted in the
// same millisecond never collide.
func New(prefix string) string {
	return NewAt(prefix, time.Now())
}

func NewAt(prefix string, at time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("%s%d-%s", prefix, at.UnixMilli(), suffix)
}

// Request returns an id for correlating one HTTP request in logs.
func Request() string {
	return uuid.NewString()
}
