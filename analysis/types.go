package analysis

import (
	"time"
)

// Key partitions records and accumulated state (a device MAC address in practice).
type Key string

// Record is one row of a key's chat history as supplied by the data source.
type Record struct {
	ID        int64     `json:"id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Result is the structured finding set for a key.
// It is both the shape of a single chunk's partial result and of the accumulated result.
type Result struct {
	// HotWords are frequent words/phrases, first-seen order.
	HotWords []string `json:"hot_words"`

	// Mood is a one-sentence mood summary; the latest non-empty value wins.
	Mood string `json:"mood"`

	// HealthNotes are "body part: issue" style notes.
	HealthNotes []string `json:"health"`

	// EconomicSummary is a one-sentence economic summary; the latest non-empty value wins.
	EconomicSummary string `json:"economic"`

	// ShoppingNeeds are potential purchase needs.
	ShoppingNeeds []string `json:"shopping_needs"`
}

// IsEmpty reports whether every field is empty or a none marker.
func (r Result) IsEmpty() bool {
	return len(nonBlank(r.HotWords)) == 0 &&
		len(nonBlank(r.HealthNotes)) == 0 &&
		len(nonBlank(r.ShoppingNeeds)) == 0 &&
		IsNone(r.Mood) &&
		IsNone(r.EconomicSummary)
}

// Clone returns a deep copy.
func (r Result) Clone() Result {
	return Result{
		HotWords:        cloneStrings(r.HotWords),
		Mood:            r.Mood,
		HealthNotes:     cloneStrings(r.HealthNotes),
		EconomicSummary: r.EconomicSummary,
		ShoppingNeeds:   cloneStrings(r.ShoppingNeeds),
	}
}

// KeyJob is one key's pending work as submitted to the Engine.
type KeyJob struct {
	Key     Key
	Records []Record
}

// MaxID returns the largest record id in recs, or 0.
func MaxID(recs []Record) int64 {
	var max int64
	for _, r := range recs {
		if r.ID > max {
			max = r.ID
		}
	}
	return max
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

func nonBlank(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = trim(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
