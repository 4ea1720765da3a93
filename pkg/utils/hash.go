package utils

import (
	"crypto/md5"
	"fmt"
	"strings"
)

func HashString(input string) string {
	hash := md5.Sum([]byte(input))
	return fmt.Sprintf("%x", hash)
}

// HashFields derives a stable id from record content so that partial
// re-imports of the same rows never produce duplicates.
func HashFields(fields ...string) string {
	return HashString(strings.Join(fields, "\x1f"))
}
