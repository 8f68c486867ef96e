package catalog

import (
	"strings"

	"golang.org/x/text/cases"
)

// NormalizeName is the comparison form of a name: surrounding whitespace
// trimmed and case folded. Two names collide when their normal forms match.
func NormalizeName(name string) string {
	// Casers carry state, so each call gets its own
	return cases.Fold().String(strings.TrimSpace(name))
}

// Named is the part of a record the duplicate check looks at.
type Named struct {
	ID   string
	Name string
}

// RequireNonEmptyName returns the trimmed name, or a ValidationError if
// nothing is left after trimming.
func RequireNonEmptyName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", validationErr("name required")
	}
	return name, nil
}

// RequireAtLeastOneTopping returns the trimmed topping ids with duplicates
// collapsed, keeping the first occurrence.
func RequireAtLeastOneTopping(ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, validationErr("at least one topping required")
	}

	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, validationErr("topping id required")
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out, nil
}

// RequireNoDuplicateName fails with a DuplicateError if a record other than
// excludeID holds candidate under NormalizeName.
func RequireNoDuplicateName(candidate string, existing []Named, excludeID string) error {
	want := NormalizeName(candidate)
	for _, n := range existing {
		if n.ID == excludeID && excludeID != "" {
			continue
		}
		if NormalizeName(n.Name) == want {
			return errDuplicateName
		}
	}
	return nil
}

func requireID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", validationErr("id required")
	}
	return id, nil
}
