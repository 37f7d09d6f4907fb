package model

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// CodeAlphabet excludes visually confusable characters (0/O, 1/I).
const CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// CodeLength is the number of characters in a session code
const CodeLength = 6

// GenerateCode returns a random session code. The alphabet has 32 symbols so
// reducing a random byte modulo its length is unbiased.
func GenerateCode() (string, error) {
	b := make([]byte, CodeLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	code := make([]byte, CodeLength)
	for i := range code {
		code[i] = CodeAlphabet[int(b[i])%len(CodeAlphabet)]
	}
	return string(code), nil
}

// NormalizeCode trims and upper-cases a human-entered code and checks it
// against the alphabet.
func NormalizeCode(raw string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if len(code) != CodeLength {
		return "", fmt.Errorf("%w: must be %d characters", ErrInvalidCode, CodeLength)
	}
	for _, c := range code {
		if !strings.ContainsRune(CodeAlphabet, c) {
			return "", fmt.Errorf("%w: unexpected character %q", ErrInvalidCode, c)
		}
	}
	return code, nil
}
