package tool

import "github.com/google/uuid"

// GenerateUUIDV7 returns a new UUIDv7 string. V7 ids sort by creation
// time, which the reconciliation sweep relies on when cursoring over
// transactions by id.
func GenerateUUIDV7() string {
	return uuid.Must(uuid.NewV7()).String()
}
