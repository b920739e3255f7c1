// File: internal/shm/name.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Shared memory object naming. Names follow the POSIX "/name" convention:
// one leading slash, no other separators.

package shm

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/momentics/hioload-ipc/api"
)

// objectPrefix namespaces every object this library creates.
const objectPrefix = "hioload_ipc_"

// Sanitize converts a caller-supplied channel name into a portable object
// name of the form "/name". Path separators and other characters that are
// not portable across shm_open, /dev/shm and Windows kernel object
// namespaces are replaced with '_'. Names longer than the platform limit
// keep a readable prefix and get a hash suffix so distinct inputs stay
// distinct.
func Sanitize(name string) (string, error) {
	if strings.IndexByte(name, 0) >= 0 {
		return "", fmt.Errorf("%w: %q contains NUL", api.ErrInvalidName, name)
	}
	trimmed := strings.TrimLeft(name, "/")
	if trimmed == "" {
		return "", fmt.Errorf("%w: %q is empty", api.ErrInvalidName, name)
	}
	var b strings.Builder
	b.Grow(len(trimmed) + 1)
	b.WriteByte('/')
	for _, r := range trimmed {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if len(out) <= maxNameLen {
		return out, nil
	}
	return shorten(out), nil
}

// shorten keeps the first characters of s and appends a 32-bit FNV-1a
// hash of the full name.
func shorten(s string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	suffix := fmt.Sprintf("_%08x", h.Sum32())
	return s[:maxNameLen-len(suffix)] + suffix
}

// objectName strips the leading slash and adds the library prefix.
func objectName(sanitized string) string {
	return objectPrefix + strings.TrimPrefix(sanitized, "/")
}
