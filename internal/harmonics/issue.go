package harmonics

import "fmt"

const (
	CategoryHighHarmonicContent  Category = "High Harmonic Content"
	CategoryOddHarmonicDominance Category = "Odd Harmonic Dominance"
	CategoryEvenHarmonics        Category = "Even Harmonics"
	CategoryAsymmetry            Category = "Asymmetry in Waveforms"
	CategoryNone                 Category = "No significant issues detected"
)

// Tag marks an issue for presentation. It is resolved to a concrete color only
// where the report is drawn.
const (
	TagNone Tag = iota
	TagHarmonicContent
	TagOddHarmonics
	TagEvenHarmonics
	TagAsymmetry
)

// Category names a kind of harmonic anomaly.
type Category string

func (c Category) String() string {
	return string(c)
}

type Tag uint8

var tagNames = [...]string{
	TagNone:            "none",
	TagHarmonicContent: "harmonic-content",
	TagOddHarmonics:    "odd-harmonics",
	TagEvenHarmonics:   "even-harmonics",
	TagAsymmetry:       "asymmetry",
}

func (t Tag) String() string {
	if int(t) < len(tagNames) {
		return tagNames[t]
	}
	return "unknown"
}

func (t Tag) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Tag) UnmarshalText(text []byte) error {
	for i, name := range tagNames {
		if name == string(text) {
			*t = Tag(i)
			return nil
		}
	}
	return fmt.Errorf("unknown tag '%s'", text)
}

// Issue is one finding of the classifier.
type Issue struct {
	Category    Category `json:"category"`
	Explanation string   `json:"explanation"`
	Bins        []int    `json:"bins,omitempty"` // Implicated frequency bins, nil when nothing is highlighted
	Tag         Tag      `json:"tag"`
	Ratio       float64  `json:"ratio"` // Measured energy ratio that triggered the rule
	Limit       float64  `json:"limit"` // Ratio the rule had to exceed
}

// IsSentinel reports whether the issue is the "nothing found" placeholder.
func (i Issue) IsSentinel() bool {
	return i.Category == CategoryNone
}

func noIssues() Issue {
	return Issue{Category: CategoryNone, Tag: TagNone}
}
