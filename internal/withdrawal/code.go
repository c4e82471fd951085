package withdrawal

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// generateCode produces a numeric confirmation code of the given length.
func generateCode(length int) (string, error) {
	var b strings.Builder
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("failed to generate confirmation code: %w", err)
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}

// hashCode returns the hex SHA-256 of a confirmation code. Only the hash
// is ever stored.
func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// codeMatches compares a submitted code against a stored hash in
// constant time.
func codeMatches(storedHash, submitted string) bool {
	h := hashCode(strings.TrimSpace(submitted))
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(h)) == 1
}

// normalizeAnswer canonicalizes a security answer before hashing or
// comparison so casing and surrounding whitespace never fail a user.
func normalizeAnswer(answer string) string {
	return strings.ToLower(strings.TrimSpace(answer))
}
