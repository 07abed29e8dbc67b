package haven

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a time-ordered unique identifier (UUIDv7). Used for run IDs
// and synthesized call IDs so that lexical sort follows creation order.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnix returns the current Unix timestamp in seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}
