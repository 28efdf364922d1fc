package feed

import (
	"strings"

	"github.com/JakeFAU/meo-rank-tracker/internal/rank"
)

// Strategy is the ordered list of extraction attempts used to read an entry's
// display name. The first attempt yielding a non-blank value wins.
type Strategy struct {
	Attempts []rank.Attempt
}

// DefaultStrategy reads the anchor's accessible name, then the entry's own,
// then the visible title text.
func DefaultStrategy() Strategy {
	return Strategy{Attempts: []rank.Attempt{
		{Name: "anchor_label", Selector: "a", Attribute: "aria-label"},
		{Name: "entry_label", Attribute: "aria-label"},
		{Name: "title_text", Selector: ".fontHeadlineSmall"},
	}}
}

// DisplayName picks the first usable value. ok is false when the entry
// should be skipped.
func (s Strategy) DisplayName(values []string) (name string, ok bool) {
	for i := range s.Attempts {
		if i >= len(values) {
			break
		}
		if v := strings.TrimSpace(values[i]); v != "" {
			return v, true
		}
	}
	return "", false
}
