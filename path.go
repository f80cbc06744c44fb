package cargo

import (
	"fmt"
	"strings"
)

// NormalizePath converts an archive path to its canonical form: forward
// slashes, a single leading slash, no empty segments, and no trailing
// slash. "." and ".." segments are rejected, as is the root itself.
func NormalizePath(p string) (string, error) {
	p = strings.ReplaceAll(p, `\`, "/")
	if !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: %q is not absolute", ErrInvalidPath, p)
	}
	segments := strings.Split(p, "/")
	out := segments[:0]
	for _, seg := range segments {
		switch seg {
		case "":
			continue
		case ".", "..":
			return "", fmt.Errorf("%w: %q contains %q", ErrInvalidPath, p, seg)
		}
		out = append(out, seg)
	}
	if len(out) == 0 {
		return "", fmt.Errorf("%w: %q names the root", ErrInvalidPath, p)
	}
	return "/" + strings.Join(out, "/"), nil
}

// ancestors returns the proper ancestors of a normalized path, outermost first.
func ancestors(p string) []string {
	var out []string
	for i := 1; i < len(p); i++ {
		if p[i] == '/' {
			out = append(out, p[:i])
		}
	}
	return out
}

func isNormalized(p string) bool {
	n, err := NormalizePath(p)
	return err == nil && n == p
}
