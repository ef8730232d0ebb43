package parse

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	kperrors "github.com/Aman-CERP/knowpipe/internal/errors"
)

// splitFrontMatter separates a leading "---" YAML block from the body.
// Input must already use LF line endings. ok is false when there is no
// front matter; an opening fence without a closing one is an error.
func splitFrontMatter(s string) (block, body string, ok bool, err error) {
	if !strings.HasPrefix(s, "---\n") {
		return "", s, false, nil
	}

	rest := s[len("---\n"):]
	if strings.HasPrefix(rest, "---\n") || rest == "---" {
		return "", strings.TrimPrefix(rest, "---"), true, nil
	}
	end := strings.Index(rest, "\n---\n")
	if end < 0 {
		if strings.HasSuffix(rest, "\n---") {
			end = len(rest) - len("\n---")
			return rest[:end], "", true, nil
		}
		return "", "", false, kperrors.ParseError("front matter is not terminated by ---", nil)
	}
	return rest[:end], rest[end+len("\n---\n"):], true, nil
}

// decodeFrontMatter parses a YAML block into document metadata.
// title, author and date are lifted; other scalar keys land in Extra.
func decodeFrontMatter(block string) (Metadata, error) {
	var md Metadata
	if strings.TrimSpace(block) == "" {
		return md, nil
	}

	var raw map[string]any
	if err := yaml.Unmarshal([]byte(block), &raw); err != nil {
		return md, kperrors.ParseError("malformed front matter", err)
	}

	for key, v := range raw {
		val, ok := scalarString(v)
		if !ok {
			continue
		}
		switch strings.ToLower(key) {
		case "title":
			md.Title = val
		case "author", "authors":
			md.Author = val
		case "date", "created":
			md.Date = val
		default:
			if md.Extra == nil {
				md.Extra = make(map[string]string)
			}
			md.Extra[key] = val
		}
	}
	return md, nil
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case time.Time:
		if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 {
			return t.Format("2006-01-02"), true
		}
		return t.Format(time.RFC3339), true
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := scalarString(item); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", "), len(parts) > 0
	case map[string]any:
		return "", false
	default:
		return fmt.Sprint(t), true
	}
}
