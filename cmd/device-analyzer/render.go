package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"gopkg.in/yaml.v3"

	"github.com/theimaginaryfoundation/incremental-analyzer/analysis"
)

// palette holds the colors used by the terminal renderers.
type palette struct {
	ok, fail, warn, info, dim, bold *color.Color
}

func newPalette(noColor bool) palette {
	p := palette{
		ok:   color.New(color.FgGreen),
		fail: color.New(color.FgRed),
		warn: color.New(color.FgYellow),
		info: color.New(color.FgCyan),
		dim:  color.New(color.Faint),
		bold: color.New(color.Bold),
	}
	if noColor {
		for _, c := range []*color.Color{p.ok, p.fail, p.warn, p.info, p.dim, p.bold} {
			c.DisableColor()
		}
	}
	return p
}

// observer prints engine events as they arrive.
type observer struct {
	w       io.Writer
	p       palette
	verbose bool
}

func newObserver(w io.Writer, noColor, verbose bool) *observer {
	return &observer{w: w, p: newPalette(noColor), verbose: verbose}
}

// consume drains events until the channel closes.
func (o *observer) consume(events <-chan analysis.Event) {
	for e := range events {
		o.handle(e)
	}
}

func (o *observer) handle(e analysis.Event) {
	ts := e.Time.Format(time.TimeOnly)
	switch e.Kind {
	case analysis.EventLog:
		if o.verbose {
			o.p.dim.Fprintf(o.w, "%s %s %s\n", ts, e.Key, e.Message)
		}
	case analysis.EventStatus:
		switch {
		case e.Key == "":
			o.p.info.Fprintf(o.w, "%s %s\n", ts, e.Message)
		case e.State == analysis.StateCalling:
			fmt.Fprintf(o.w, "%s %s analyzing chunk %d/%d\n", ts, e.Key, e.Chunk, e.Chunks)
		case o.verbose:
			o.p.dim.Fprintf(o.w, "%s %s %s\n", ts, e.Key, e.State)
		}
	case analysis.EventProgress:
		o.p.info.Fprintf(o.w, "%s progress %.0f%%\n", ts, e.Percent)
	case analysis.EventKeyCompleted:
		if e.Outcome == analysis.OutcomeDone {
			o.p.ok.Fprintf(o.w, "%s ✓ %s: %s new records, last id %d\n", ts, e.Key, humanize.Comma(int64(e.Records)), e.LastID)
			return
		}
		o.p.fail.Fprintf(o.w, "%s ✗ %s: %v\n", ts, e.Key, e.Err)
	case analysis.EventError:
		o.p.fail.Fprintf(o.w, "%s error %s: %s: %v\n", ts, e.Key, e.Message, e.Err)
	case analysis.EventBatchCompleted:
		c := o.p.ok
		if e.Failed > 0 {
			c = o.p.warn
		}
		c.Fprintf(o.w, "%s %s\n", ts, e.Message)
	}
}

// renderSummary writes a per-key table of a finished run.
func renderSummary(w io.Writer, s analysis.Summary, p palette) {
	reports := append([]analysis.KeyReport(nil), s.Keys...)
	sort.Slice(reports, func(i, j int) bool { return reports[i].Key < reports[j].Key })

	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Format.Footer = text.FormatDefault
	tbl.AppendHeader(table.Row{"Key", "Outcome", "Records", "Chunks", "Last ID", "Took", "Error"})
	for _, r := range reports {
		outcome := p.ok.Sprint(r.Outcome)
		errText := ""
		if r.Outcome != analysis.OutcomeDone {
			outcome = p.fail.Sprint(r.Outcome)
			errText = analysis.Classify(r.Err)
		}
		tbl.AppendRow(table.Row{
			string(r.Key),
			outcome,
			humanize.Comma(int64(r.Records)),
			r.Chunks,
			r.LastID,
			r.Duration.Round(time.Millisecond).String(),
			errText,
		})
	}
	tbl.AppendFooter(table.Row{fmt.Sprintf("run %s", s.RunID), fmt.Sprintf("%d ok / %d failed", s.Success, s.Failed)})
	tbl.Render()
}

// statusRow is one key in the status table.
type statusRow struct {
	Key       analysis.Key
	LastID    int64
	HasResult bool
	UpdatedAt time.Time
}

// collectStatus merges checkpoint keys, result keys and any extra keys into sorted rows.
func collectStatus(cps *analysis.CheckpointStore, res *analysis.ResultStore, extra []analysis.Key) []statusRow {
	keys := map[analysis.Key]struct{}{}
	for k := range cps.Snapshot() {
		keys[k] = struct{}{}
	}
	for _, k := range res.Keys() {
		keys[k] = struct{}{}
	}
	for _, k := range extra {
		keys[k] = struct{}{}
	}

	rows := make([]statusRow, 0, len(keys))
	for k := range keys {
		rows = append(rows, statusRow{
			Key:       k,
			LastID:    cps.Get(k),
			HasResult: res.Has(k),
			UpdatedAt: res.UpdatedAt(k),
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Key < rows[j].Key })
	return rows
}

func renderStatus(w io.Writer, rows []statusRow, p palette, now time.Time) {
	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Format.Footer = text.FormatDefault
	tbl.AppendHeader(table.Row{"Key", "Last ID", "Analyzed", "Updated"})
	analyzed := 0
	for _, r := range rows {
		mark := p.dim.Sprint("no")
		updated := "-"
		if r.HasResult {
			analyzed++
			mark = p.ok.Sprint("yes")
			updated = humanize.RelTime(r.UpdatedAt, now, "ago", "from now")
		}
		tbl.AppendRow(table.Row{string(r.Key), r.LastID, mark, updated})
	}
	tbl.AppendFooter(table.Row{fmt.Sprintf("%d keys", len(rows)), "", fmt.Sprintf("%d analyzed", analyzed), ""})
	tbl.Render()
}

// showDocument is the printable form of a key's result.
type showDocument struct {
	Key             string    `json:"key" yaml:"key"`
	LastID          int64     `json:"last_id" yaml:"last_id"`
	UpdatedAt       time.Time `json:"updated_at" yaml:"updated_at"`
	HotWords        []string  `json:"hot_words" yaml:"hot_words"`
	Mood            string    `json:"mood" yaml:"mood"`
	HealthNotes     []string  `json:"health" yaml:"health"`
	EconomicSummary string    `json:"economic" yaml:"economic"`
	ShoppingNeeds   []string  `json:"shopping_needs" yaml:"shopping_needs"`
}

func newShowDocument(key analysis.Key, lastID int64, updated time.Time, r analysis.Result) showDocument {
	return showDocument{
		Key:             string(key),
		LastID:          lastID,
		UpdatedAt:       updated,
		HotWords:        r.HotWords,
		Mood:            r.Mood,
		HealthNotes:     r.HealthNotes,
		EconomicSummary: r.EconomicSummary,
		ShoppingNeeds:   r.ShoppingNeeds,
	}
}

func renderShow(w io.Writer, doc showDocument, format string, p palette) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		return enc.Encode(doc)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	case "text", "":
		p.bold.Fprintf(w, "%s", doc.Key)
		fmt.Fprintf(w, "  (last id %d", doc.LastID)
		if !doc.UpdatedAt.IsZero() {
			fmt.Fprintf(w, ", updated %s", doc.UpdatedAt.Local().Format(analysis.TimestampLayout))
		}
		fmt.Fprintln(w, ")")
		writeList(w, p, "Hot words", doc.HotWords)
		writeScalar(w, p, "Mood", doc.Mood)
		writeList(w, p, "Health", doc.HealthNotes)
		writeScalar(w, p, "Economic", doc.EconomicSummary)
		writeList(w, p, "Shopping needs", doc.ShoppingNeeds)
		return nil
	default:
		return fmt.Errorf("unknown format %q (text, json, yaml)", format)
	}
}

func writeList(w io.Writer, p palette, label string, items []string) {
	p.info.Fprintf(w, "%s:", label)
	if len(items) == 0 {
		fmt.Fprintln(w, " -")
		return
	}
	fmt.Fprintln(w)
	for _, it := range items {
		fmt.Fprintf(w, "  - %s\n", it)
	}
}

func writeScalar(w io.Writer, p palette, label, v string) {
	p.info.Fprintf(w, "%s:", label)
	if analysis.IsNone(v) {
		v = "-"
	}
	fmt.Fprintf(w, " %s\n", v)
}
