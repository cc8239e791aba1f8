// Package detector discovers new listings from several exchange surfaces,
// grades and deduplicates them, and hands fresh signals to the trade
// pipeline.
package detector

import (
	"strings"
	"time"
)

// Source identifies where a signal was observed.
type Source string

const (
	SourceCalendar     Source = "calendar"
	SourceTickerDiff   Source = "ticker_diff"
	SourceExchangeInfo Source = "exchange_info"
	SourceSymbolsV2    Source = "symbolsv2"
	SourceWebsocket    Source = "websocket"
)

// Confidence grades how trustworthy a source's sighting is.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// FreshnessWindow is how long a signal stays actionable after detection.
const FreshnessWindow = 60 * time.Second

// Signal is one graded listing detection.
type Signal struct {
	ID                string     `json:"id"`
	Symbol            string     `json:"symbol"`
	Source            Source     `json:"source"`
	Confidence        Confidence `json:"confidence"`
	Price             float64    `json:"price"`
	DetectedAt        time.Time  `json:"detected_at"`
	FreshnessDeadline time.Time  `json:"freshness_deadline"`

	VcoinID       string    `json:"vcoin_id,omitempty"`
	ProjectName   string    `json:"project_name,omitempty"`
	FirstOpenTime time.Time `json:"first_open_time,omitempty"`
	Volume        float64   `json:"volume,omitempty"`
	Change24h     float64   `json:"change_24h,omitempty"`
}

// Fresh reports whether the signal is still actionable at now.
func (s Signal) Fresh(now time.Time) bool {
	return !now.After(s.FreshnessDeadline)
}

// authority orders sources for merging: when several sources sight the
// same symbol in one cycle, the most authoritative wins.
var authority = map[Source]int{
	SourceCalendar:     5,
	SourceWebsocket:    4,
	SourceSymbolsV2:    3,
	SourceExchangeInfo: 2,
	SourceTickerDiff:   1,
}

// quote suffixes that mark an already-qualified pair.
var quoteSuffixes = []string{"USDT", "USDC", "BTC", "ETH", "BNB"}

// NormalizeSymbol upper-cases the raw symbol and appends USDT unless it
// already ends in a known quote asset.
func NormalizeSymbol(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}
	for _, suffix := range quoteSuffixes {
		if strings.HasSuffix(s, suffix) {
			return s
		}
	}
	return s + "USDT"
}
