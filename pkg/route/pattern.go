package route

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

type segmentKind uint8

const (
	segStatic segmentKind = iota
	segParam
	segCatchAll
)

// segment is one compiled path segment of a pattern.
type segment struct {
	kind      segmentKind
	value     string // static text
	paramName string // parameter name (without : or *)
	paramType string // string, int or uuid
}

// compile turns a pattern into segments.
//
//	/users/:id        -> static "users", param "id"
//	/users/:id:int    -> param "id" restricted to integers
//	/files/*path      -> static "files", catch-all "path"
func compile(pattern string) ([]segment, error) {
	parts := splitPath(pattern)
	segs := make([]segment, 0, len(parts))
	for i, part := range parts {
		switch {
		case strings.HasPrefix(part, "*"):
			if i != len(parts)-1 {
				return nil, fmt.Errorf("%w: %q: catch-all must be last", ErrInvalidPattern, pattern)
			}
			name := part[1:]
			if name == "" {
				name = "*"
			}
			segs = append(segs, segment{kind: segCatchAll, paramName: name})
		case strings.HasPrefix(part, ":"):
			name, paramType := parseParamSegment(part)
			if name == "" {
				return nil, fmt.Errorf("%w: %q: empty parameter name", ErrInvalidPattern, pattern)
			}
			switch paramType {
			case "string", "int", "uuid":
			default:
				return nil, fmt.Errorf("%w: %q: unknown parameter type %q", ErrInvalidPattern, pattern, paramType)
			}
			segs = append(segs, segment{kind: segParam, paramName: name, paramType: paramType})
		default:
			segs = append(segs, segment{kind: segStatic, value: part})
		}
	}
	return segs, nil
}

// match reports whether path segments satisfy the compiled pattern and
// collects parameters into params.
func match(segs []segment, parts []string, params Params) bool {
	for i, seg := range segs {
		switch seg.kind {
		case segCatchAll:
			if i >= len(parts) {
				return false
			}
			params[seg.paramName] = strings.Join(parts[i:], "/")
			return true
		case segParam:
			if i >= len(parts) || !validParam(seg.paramType, parts[i]) {
				return false
			}
			params[seg.paramName] = parts[i]
		default:
			if i >= len(parts) || parts[i] != seg.value {
				return false
			}
		}
	}
	return len(parts) == len(segs)
}

func validParam(paramType, value string) bool {
	switch paramType {
	case "int":
		_, err := strconv.ParseInt(value, 10, 64)
		return err == nil
	case "uuid":
		return uuid.Validate(value) == nil
	}
	return value != ""
}

// splitPath splits a path into segments.
func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// parseParamSegment extracts name and type from a parameter segment.
// Input: ":id" or ":id:int" -> name="id", type="string" or "int"
func parseParamSegment(seg string) (name, paramType string) {
	seg = seg[1:]
	if idx := strings.Index(seg, ":"); idx != -1 {
		return seg[:idx], seg[idx+1:]
	}
	return seg, "string"
}
