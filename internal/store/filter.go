package store

import (
	"fmt"
	"sort"
	"strings"
)

// Filter is an equality match over chunk metadata. The reserved keys
// document_id, filename and format match the owning document instead.
// Metadata values are compared in their fmt.Sprint form, so a filter of
// "page"="3" matches a stored page number 3; lists compare joined with
// "/", as in "heading_path"="Guide/Install".
type Filter map[string]string

// ParseFilter builds a Filter from "key=value" pairs.
func ParseFilter(pairs []string) (Filter, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	f := make(Filter, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("filter %q is not key=value", p)
		}
		f[k] = strings.TrimSpace(v)
	}
	return f, nil
}

// Empty reports whether f matches everything.
func (f Filter) Empty() bool { return len(f) == 0 }

// Matches reports whether c satisfies every condition.
func (f Filter) Matches(c *Chunk) bool {
	for k, want := range f {
		var got string
		switch k {
		case FilterDocumentID:
			got = c.DocumentID
		case FilterFilename:
			got = c.Filename
		case FilterFormat:
			got = c.Format
		default:
			v, ok := c.Metadata[k]
			if !ok {
				return false
			}
			got = metadataString(v)
		}
		if got != want {
			return false
		}
	}
	return true
}

func metadataString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, len(t))
		for i, p := range t {
			parts[i] = metadataString(p)
		}
		return strings.Join(parts, "/")
	case []string:
		return strings.Join(t, "/")
	default:
		return fmt.Sprint(t)
	}
}

// documentClause returns the SQL conditions for the reserved keys, in a
// stable order.
func (f Filter) documentClause() (string, []any) {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var (
		sb   strings.Builder
		args []any
	)
	for _, k := range keys {
		var column string
		switch k {
		case FilterDocumentID:
			column = "c.document_id"
		case FilterFilename:
			column = "d.filename"
		case FilterFormat:
			column = "d.format"
		default:
			continue
		}
		sb.WriteString(" AND " + column + " = ?")
		args = append(args, f[k])
	}
	return sb.String(), args
}
