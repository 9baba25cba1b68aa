package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns prefix followed by 32 lowercase hex characters from a random UUID.
func NewID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
