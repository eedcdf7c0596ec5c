package protocol

import (
	"net/url"
	"strconv"
	"strings"
)

// ValidateKey reports whether key is a store key: a path starting with "/".
// Both ends reject other keys so that a key always names the same value
// over the wire and over HTTP.
func ValidateKey(key string) error {
	if problem := keyProblem(key); problem != "" {
		return Violation("%s", problem)
	}
	return nil
}

func keyProblem(key string) string {
	switch {
	case key == "":
		return "missing key"
	case !strings.HasPrefix(key, "/"):
		return "key " + strconv.Quote(key) + " must start with /"
	}
	return ""
}

// EscapePath escapes every segment of a key or action path for use in a
// URL path. Separators are kept.
func EscapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
