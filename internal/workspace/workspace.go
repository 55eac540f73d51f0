// Package workspace derives tenant namespaces from directory paths. Every
// store and query in the memory layer is scoped to exactly one workspace id.
package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"regexp"
)

// idPattern matches the 16-hex-character id format produced by ResolveID.
var idPattern = regexp.MustCompile(`^[0-9a-f]{16}$`)

// ResolveID maps a directory path to its workspace id: the first 64 bits of
// SHA-256 over the absolute canonical path, hex-encoded. Pure function: the
// same path always resolves to the same id.
func ResolveID(dir string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("workspace: empty directory path")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("workspace: resolve %s: %w", dir, err)
	}
	abs = filepath.Clean(abs)
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:8]), nil
}

// ValidID reports whether s has the id format ResolveID produces. Callers
// may also pass through pre-resolved ids from the API surface.
func ValidID(s string) bool { return idPattern.MatchString(s) }
