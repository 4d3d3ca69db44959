package helpers

import (
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// GenerateUUID returns a new random identifier.
func GenerateUUID() string {
	return uuid.New().String()
}

// IsUUID reports whether s parses as a UUID.
func IsUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// StripQuotes removes one pair of matching surrounding quotes.
func StripQuotes(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// HashExpression returns a stable hex digest of a formula expression.
// Surrounding whitespace does not change the digest.
func HashExpression(expression string) string {
	sum := blake2b.Sum256([]byte(strings.TrimSpace(expression)))
	return hex.EncodeToString(sum[:])
}
