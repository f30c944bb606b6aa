package privacy

import (
	"crypto/sha256"
	"fmt"
)

// Hash returns the hex-encoded SHA-256 hash of a value. User ids and phone
// numbers must pass through here before appearing in error telemetry.
func Hash(value string) string {
	h := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", h)
}
