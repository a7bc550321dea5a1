// Package utils provides small helpers shared across the trigger core:
// id generation and firing idempotency keys.
package utils

import (
	"fmt"
	"time"

	"github.com/lucsky/cuid"
)

// NewID generates a collision-resistant id for triggers and executions
func NewID() string {
	return cuid.New()
}

// IdempotencyKey derives the downstream execution key for a scheduled
// occurrence. The workflow engine uses it to suppress duplicate fires of
// the same occurrence.
func IdempotencyKey(triggerID string, scheduledAt time.Time) string {
	return fmt.Sprintf("%s:%d", triggerID, scheduledAt.Unix())
}
