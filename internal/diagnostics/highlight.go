package diagnostics

import (
	"github.com/roman-kulish/transformer-harmonics/internal/harmonics"
	"github.com/roman-kulish/transformer-harmonics/internal/waveform"
)

// FrequencyRange is a closed interval of frequencies in Hz.
type FrequencyRange struct {
	From float64 `json:"from"`
	To   float64 `json:"to"`
}

// Highlight is the spectral region implicated by one issue, translated to Hz.
type Highlight struct {
	Channel  waveform.Channel   `json:"channel"`
	Category harmonics.Category `json:"category"`
	Tag      harmonics.Tag      `json:"tag"`
	Ranges   []FrequencyRange   `json:"ranges"`
}

// Highlights returns, for every issue with implicated bins, the frequencies to mark.
// Consecutive bins collapse into one range; isolated bins become single-point ranges.
func (r *Report) Highlights() []Highlight {
	var out []Highlight
	for _, ch := range r.Channels() {
		for _, issue := range ch.Issues {
			if len(issue.Bins) == 0 {
				continue
			}
			out = append(out, Highlight{
				Channel:  ch.Channel,
				Category: issue.Category,
				Tag:      issue.Tag,
				Ranges:   r.binRanges(issue.Bins),
			})
		}
	}
	return out
}

func (r *Report) binRanges(bins []int) []FrequencyRange {
	var ranges []FrequencyRange

	start, prev := bins[0], bins[0]
	flush := func() {
		ranges = append(ranges, FrequencyRange{From: r.Frequency(start), To: r.Frequency(prev)})
	}

	for _, b := range bins[1:] {
		if b == prev+1 {
			prev = b
			continue
		}
		flush()
		start, prev = b, b
	}
	flush()

	return ranges
}
