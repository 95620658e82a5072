package source

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/theimaginaryfoundation/incremental-analyzer/analysis"
)

// jsonlRow is one line of a JSONL export.
type jsonlRow struct {
	Key       string    `json:"mac_address"`
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// JSONL is an in-memory source loaded from a JSON-lines export of the chat history table.
type JSONL struct {
	byKey map[analysis.Key][]analysis.Record
}

var _ analysis.Source = (*JSONL)(nil)

// OpenJSONL reads path fully. Blank lines are skipped; rows without a key are ignored.
func OpenJSONL(path string) (*JSONL, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("source: open %s: %w", path, err)
	}
	defer f.Close()

	src := &JSONL{byKey: map[analysis.Key][]analysis.Record{}}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	line := 0
	for sc.Scan() {
		line++
		s := strings.TrimSpace(sc.Text())
		if s == "" {
			continue
		}
		var row jsonlRow
		if err := json.Unmarshal([]byte(s), &row); err != nil {
			return nil, fmt.Errorf("source: %s:%d: %w", path, line, err)
		}
		if strings.TrimSpace(row.Key) == "" {
			continue
		}
		k := analysis.Key(row.Key)
		src.byKey[k] = append(src.byKey[k], analysis.Record{ID: row.ID, Text: row.Content, Timestamp: row.CreatedAt})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("source: read %s: %w", path, err)
	}
	for k := range src.byKey {
		recs := src.byKey[k]
		sort.SliceStable(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	}
	return src, nil
}

// Keys lists every key in the file, sorted.
func (s *JSONL) Keys(context.Context) ([]analysis.Key, error) {
	keys := make([]analysis.Key, 0, len(s.byKey))
	for k := range s.byKey {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, nil
}

// FetchRecords returns key's records with id > afterID, ascending.
func (s *JSONL) FetchRecords(_ context.Context, key analysis.Key, afterID int64) ([]analysis.Record, error) {
	all := s.byKey[key]
	i := sort.Search(len(all), func(i int) bool { return all[i].ID > afterID })
	return append([]analysis.Record(nil), all[i:]...), nil
}
