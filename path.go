package objstore

import (
	"fmt"
	"net/url"
	"strings"
)

// Delimiter separates path segments in an object store namespace.
const Delimiter = "/"

// Path is a normalized, delimiter-separated key into a backend's
// namespace.
//
// The normalized form has no leading or trailing delimiter and no empty
// or "." segments. The zero value is the root path, which is the
// identity prefix: no rebasing is applied for it.
type Path struct {
	raw string
}

// NewPath builds a Path from raw, normalizing delimiters. Leading and
// trailing delimiters and empty segments are dropped, so NewPath("/")
// yields the root path.
func NewPath(raw string) Path {
	parts := strings.Split(raw, Delimiter)
	kept := parts[:0]
	for _, p := range parts {
		if p != "" && p != "." {
			kept = append(kept, p)
		}
	}
	return Path{raw: strings.Join(kept, Delimiter)}
}

// ParsePath builds a Path from raw, rejecting segments that would escape
// the namespace.
func ParsePath(raw string) (Path, error) {
	for _, p := range strings.Split(raw, Delimiter) {
		if p == ".." {
			return Path{}, fmt.Errorf("%w: path %q contains a parent-directory segment", ErrInvalidPath, raw)
		}
	}
	return NewPath(raw), nil
}

// PathFromURLPath builds a Path from the percent-encoded path component
// of a URL.
func PathFromURLPath(urlPath string) (Path, error) {
	decoded, err := url.PathUnescape(urlPath)
	if err != nil {
		return Path{}, fmt.Errorf("%w: cannot decode url path %q: %v", ErrInvalidPath, urlPath, err)
	}
	return ParsePath(decoded)
}

// String returns the normalized path.
func (p Path) String() string { return p.raw }

// IsRoot reports whether p is the root path.
func (p Path) IsRoot() bool { return p.raw == "" }

// Parts returns the path segments. The root path has no segments.
func (p Path) Parts() []string {
	if p.raw == "" {
		return nil
	}
	return strings.Split(p.raw, Delimiter)
}

// Child returns p extended by one segment.
func (p Path) Child(segment string) Path {
	if p.raw == "" {
		return NewPath(segment)
	}
	return NewPath(p.raw + Delimiter + segment)
}

// Join returns p extended by the segments of other.
func (p Path) Join(other Path) Path {
	switch {
	case p.raw == "":
		return other
	case other.raw == "":
		return p
	default:
		return Path{raw: p.raw + Delimiter + other.raw}
	}
}

// HasPrefix reports whether prefix is p or an ancestor of p on segment
// boundaries. Every path has the root prefix.
func (p Path) HasPrefix(prefix Path) bool {
	if prefix.raw == "" {
		return true
	}
	return p.raw == prefix.raw || strings.HasPrefix(p.raw, prefix.raw+Delimiter)
}

// StripPrefix removes prefix from p. The second return is false when p
// is not below prefix.
func (p Path) StripPrefix(prefix Path) (Path, bool) {
	if prefix.raw == "" {
		return p, true
	}
	if p.raw == prefix.raw {
		return Path{}, true
	}
	rest, ok := strings.CutPrefix(p.raw, prefix.raw+Delimiter)
	if !ok {
		return Path{}, false
	}
	return Path{raw: rest}, true
}
