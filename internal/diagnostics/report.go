package diagnostics

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/roman-kulish/transformer-harmonics/internal/harmonics"
	"github.com/roman-kulish/transformer-harmonics/internal/spectrum"
	"github.com/roman-kulish/transformer-harmonics/internal/waveform"
)

// ConnectionFailedMessage is shown to the operator when no sample pair is available
const ConnectionFailedMessage = "ESP32 Connection Failed. Please check your connection."

// ChannelReport holds the analysis of one channel.
type ChannelReport struct {
	Channel  waveform.Channel    `json:"channel"`
	Issues   []harmonics.Issue   `json:"issues"`
	Spectrum *spectrum.Magnitude `json:"spectrum"`
}

// Report is the result of one diagnostics run over a voltage/current pair.
type Report struct {
	ID          uuid.UUID        `json:"id"`
	CreatedAt   time.Time        `json:"createdAt"`
	PairID      uuid.UUID        `json:"pairID"`
	ReceivedAt  time.Time        `json:"receivedAt"`
	SampleRate  float64          `json:"sampleRate"`  // Hz, shared by both channels
	SampleCount int              `json:"sampleCount"` // Samples per channel
	BinWidth    float64          `json:"binWidth"`    // Hz per spectrum bin
	Frequencies []float64        `json:"frequencies"` // Bin to Hz mapping shared by both spectra
	Config      harmonics.Config `json:"config"`
	Voltage     ChannelReport    `json:"voltage"`
	Current     ChannelReport    `json:"current"`

	Pair *waveform.Pair `json:"-"` // Analyzed snapshot, kept for drawing and never persisted
}

// Channels returns the channel reports in presentation order.
func (r *Report) Channels() []*ChannelReport {
	return []*ChannelReport{&r.Voltage, &r.Current}
}

// Channel returns the report of channel c, nil for an unknown channel.
func (r *Report) Channel(c waveform.Channel) *ChannelReport {
	switch c {
	case waveform.ChannelVoltage:
		return &r.Voltage
	case waveform.ChannelCurrent:
		return &r.Current
	default:
		return nil
	}
}

// Frequency returns the frequency in Hz of bin i.
func (r *Report) Frequency(i int) float64 {
	return float64(i) * r.BinWidth
}

// IssueCount returns the number of non-sentinel issues across both channels.
func (r *Report) IssueCount() int {
	var n int
	for _, ch := range r.Channels() {
		for _, issue := range ch.Issues {
			if !issue.IsSentinel() {
				n++
			}
		}
	}
	return n
}

// Text renders the report the way it is shown to an operator:
//
//	Voltage Harmonics Analysis:
//	- Even Harmonics: unbalanced or asymmetrical operation
//
//	Current Harmonics Analysis:
//	- No significant issues detected:
func (r *Report) Text() string {
	var sb strings.Builder
	for i, ch := range r.Channels() {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "%s Harmonics Analysis:\n", ch.Channel.Title())
		for _, issue := range ch.Issues {
			fmt.Fprintf(&sb, "- %s: %s\n", issue.Category, issue.Explanation)
		}
	}
	return sb.String()
}
