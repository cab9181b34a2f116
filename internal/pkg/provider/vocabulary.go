package provider

import (
	"fmt"
	"strings"
)

// Vocabulary translates one provider's status strings into Status.
type Vocabulary struct {
	provider string
	table    map[string]Status
}

// NewVocabulary rejects tables that map onto unknown statuses or leave one
// of the internal statuses unreachable.
func NewVocabulary(provider string, table map[string]Status) (*Vocabulary, error) {
	norm := make(map[string]Status, len(table))
	seen := make(map[Status]bool, 3)
	for raw, s := range table {
		if !s.valid() {
			return nil, fmt.Errorf("%s vocabulary: %q maps to unknown status %q", provider, raw, s)
		}
		key := normalize(raw)
		if key == "" {
			return nil, fmt.Errorf("%s vocabulary: empty provider status", provider)
		}
		if prev, dup := norm[key]; dup && prev != s {
			return nil, fmt.Errorf("%s vocabulary: %q maps to both %s and %s", provider, raw, prev, s)
		}
		norm[key] = s
		seen[s] = true
	}
	for _, s := range []Status{StatusProcessing, StatusCompleted, StatusFailed} {
		if !seen[s] {
			return nil, fmt.Errorf("%s vocabulary: nothing maps to %s", provider, s)
		}
	}
	return &Vocabulary{provider: provider, table: norm}, nil
}

// MustVocabulary panics on an invalid table; use it for package-level tables.
func MustVocabulary(provider string, table map[string]Status) *Vocabulary {
	v, err := NewVocabulary(provider, table)
	if err != nil {
		panic(err)
	}
	return v
}

// Translate reports false for a status missing from the table.
func (v *Vocabulary) Translate(raw string) (Status, bool) {
	s, ok := v.table[normalize(raw)]
	return s, ok
}

func normalize(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}
