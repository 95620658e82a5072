package analysis

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAnalyzer struct {
	mu    sync.Mutex
	calls []string
	fn    func(ctx context.Context, chunk string) (Result, error)

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, chunk string) (Result, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxInFlight.Load()
		if n <= m || f.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, chunk)
	f.mu.Unlock()
	if f.fn == nil {
		return Result{}, nil
	}
	return f.fn(ctx, chunk)
}

func (f *fakeAnalyzer) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type engineFixture struct {
	engine      *Engine
	checkpoints *CheckpointStore
	results     *ResultStore
	analyzer    *fakeAnalyzer
}

func newFixture(t *testing.T, fa *fakeAnalyzer, mut func(*EngineOptions)) engineFixture {
	t.Helper()
	dir := t.TempDir()
	cps := NewCheckpointStore(filepath.Join(dir, "processed_records.json"))
	res := NewResultStore(filepath.Join(dir, "analysis_results"))
	opts := EngineOptions{
		Analyzer:      fa,
		Checkpoints:   cps,
		Results:       res,
		Concurrency:   1,
		MaxChunkChars: 6000,
		Retry:         RetryPolicy{MaxAttempts: 3},
	}
	if mut != nil {
		mut(&opts)
	}
	e, err := NewEngine(opts)
	require.NoError(t, err)
	return engineFixture{engine: e, checkpoints: cps, results: res, analyzer: fa}
}

func drain(r *Run) ([]Event, Summary) {
	var evs []Event
	for e := range r.Events() {
		evs = append(evs, e)
	}
	return evs, r.Wait()
}

func statesFor(evs []Event, key Key) []KeyState {
	var out []KeyState
	for _, e := range evs {
		if e.Kind == EventStatus && e.Key == key {
			out = append(out, e.State)
		}
	}
	return out
}

func completion(evs []Event, key Key) (Event, bool) {
	for _, e := range evs {
		if e.Kind == EventKeyCompleted && e.Key == key {
			return e, true
		}
	}
	return Event{}, false
}

func recs(texts map[int64]string) []Record {
	out := make([]Record, 0, len(texts))
	for id := int64(1); len(out) < len(texts); id++ {
		if s, ok := texts[id]; ok {
			out = append(out, Record{ID: id, Text: s})
		}
	}
	return out
}

func TestNewEngine_ValidatesAndClamps(t *testing.T) {
	t.Parallel()

	_, err := NewEngine(EngineOptions{})
	assert.Error(t, err)

	f := newFixture(t, &fakeAnalyzer{}, func(o *EngineOptions) { o.Concurrency = 50 })
	assert.Equal(t, MaxConcurrency, f.engine.Concurrency())
	f = newFixture(t, &fakeAnalyzer{}, func(o *EngineOptions) { o.Concurrency = 0 })
	assert.Equal(t, MinConcurrency, f.engine.Concurrency())
}

func TestEngine_TwoChunksMergeAndAdvance(t *testing.T) {
	t.Parallel()

	fa := &fakeAnalyzer{fn: func(_ context.Context, chunk string) (Result, error) {
		if strings.Contains(chunk, "r7") {
			return Result{HotWords: []string{"b", "c"}, Mood: "calm"}, nil
		}
		return Result{HotWords: []string{"a", "b"}, Mood: "happy"}, nil
	}}
	// Each "[-] rN" line is 6 runes; 28 fits four lines plus their newlines.
	f := newFixture(t, fa, func(o *EngineOptions) { o.MaxChunkChars = 28 })

	var batch []Record
	for id := int64(1); id <= 7; id++ {
		batch = append(batch, Record{ID: id, Text: fmt.Sprintf("r%d", id)})
	}
	r := f.engine.Run(context.Background(), []KeyJob{{Key: "K", Records: batch}})
	evs, sum := drain(r)

	assert.Equal(t, 1, sum.Success)
	assert.Equal(t, 0, sum.Failed)
	assert.Equal(t, []string{
		"[-] r1\n[-] r2\n[-] r3\n[-] r4",
		"[-] r5\n[-] r6\n[-] r7",
	}, fa.Calls())
	assert.Equal(t, []string{"a", "b", "c"}, f.results.Get("K").HotWords)
	assert.Equal(t, "calm", f.results.Get("K").Mood)
	assert.Equal(t, int64(7), f.checkpoints.Get("K"))

	assert.Equal(t, []KeyState{
		StateChunking,
		StateCalling, StateMerging,
		StateCalling, StateMerging,
		StateCheckpointing, StateDone,
	}, statesFor(evs, "K"))

	done, ok := completion(evs, "K")
	require.True(t, ok)
	assert.Equal(t, OutcomeDone, done.Outcome)
	assert.Equal(t, 7, done.Records)
	assert.Equal(t, int64(7), done.LastID)

	last := evs[len(evs)-1]
	assert.Equal(t, EventBatchCompleted, last.Kind)
	assert.Equal(t, 1, last.Success)
	for _, e := range evs {
		assert.Equal(t, r.ID, e.RunID)
	}

	// checkpoint reached disk
	again := NewCheckpointStore(f.checkpoints.Path())
	require.NoError(t, again.Load())
	assert.Equal(t, int64(7), again.Get("K"))
}

func TestEngine_FailedChunkLeavesKeyUntouched(t *testing.T) {
	t.Parallel()

	fa := &fakeAnalyzer{fn: func(_ context.Context, chunk string) (Result, error) {
		if strings.Contains(chunk, "bad") {
			return Result{}, ErrTransient
		}
		return Result{HotWords: []string{"w"}}, nil
	}}
	f := newFixture(t, fa, func(o *EngineOptions) {
		o.MaxChunkChars = 10
		o.Concurrency = 2
	})
	f.checkpoints.Advance("K", 2)

	r := f.engine.Run(context.Background(), []KeyJob{
		{Key: "K", Records: []Record{{ID: 3, Text: "good"}, {ID: 4, Text: "bad"}}},
		{Key: "K2", Records: []Record{{ID: 1, Text: "fine"}}},
	})
	evs, sum := drain(r)

	assert.Equal(t, 1, sum.Success)
	assert.Equal(t, 1, sum.Failed)

	failed, ok := completion(evs, "K")
	require.True(t, ok)
	assert.Equal(t, OutcomeFailed, failed.Outcome)
	assert.ErrorIs(t, failed.Err, ErrRetryExhausted)
	assert.ErrorIs(t, failed.Err, ErrTransient)
	assert.Equal(t, int64(2), f.checkpoints.Get("K"))
	assert.False(t, f.results.Has("K"), "partial merges must not be published")

	var badCalls int
	for _, c := range fa.Calls() {
		if strings.Contains(c, "bad") {
			badCalls++
		}
	}
	assert.Equal(t, 3, badCalls)

	ok2, found := completion(evs, "K2")
	require.True(t, found)
	assert.Equal(t, OutcomeDone, ok2.Outcome)
	assert.Equal(t, int64(1), f.checkpoints.Get("K2"))
	assert.Equal(t, []string{"w"}, f.results.Get("K2").HotWords)
}

func TestEngine_NothingNewIsDoneWithoutCalls(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	fa := &fakeAnalyzer{}
	f := newFixture(t, fa, func(o *EngineOptions) { o.Metrics = m })
	f.checkpoints.Advance("seen", 10)

	r := f.engine.Run(context.Background(), []KeyJob{
		{Key: "empty"},
		{Key: "seen", Records: []Record{{ID: 3, Text: "old"}, {ID: 10, Text: "older"}}},
	})
	evs, sum := drain(r)

	assert.Equal(t, 2, sum.Success)
	assert.Empty(t, fa.Calls())
	assert.Equal(t, []KeyState{StateDone}, statesFor(evs, "empty"))
	assert.Equal(t, []KeyState{StateDone}, statesFor(evs, "seen"))
	assert.Equal(t, int64(10), f.checkpoints.Get("seen"))
	assert.False(t, f.results.Has("empty"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.KeysTotal.WithLabelValues("done", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RecordsSkipped))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveKeys))
}

func TestEngine_ConcurrencyBound(t *testing.T) {
	t.Parallel()

	fa := &fakeAnalyzer{fn: func(context.Context, string) (Result, error) {
		time.Sleep(20 * time.Millisecond)
		return Result{HotWords: []string{"x"}}, nil
	}}
	f := newFixture(t, fa, func(o *EngineOptions) { o.Concurrency = 2 })

	var jobs []KeyJob
	for i := 0; i < 5; i++ {
		jobs = append(jobs, KeyJob{Key: Key(fmt.Sprintf("k%d", i)), Records: []Record{{ID: int64(i + 1), Text: "hi"}}})
	}
	evs, sum := drain(f.engine.Run(context.Background(), jobs))
	assert.Equal(t, 5, sum.Success)
	assert.LessOrEqual(t, fa.maxInFlight.Load(), int32(2))

	active := map[Key]bool{}
	peak := 0
	for _, e := range evs {
		if e.Kind != EventStatus || e.Key == "" {
			continue
		}
		if e.State.Active() {
			active[e.Key] = true
		} else {
			delete(active, e.Key)
		}
		if len(active) > peak {
			peak = len(active)
		}
	}
	assert.LessOrEqual(t, peak, 2)
	assert.Empty(t, active)

	var pcts []float64
	for _, e := range evs {
		if e.Kind == EventProgress {
			pcts = append(pcts, e.Percent)
		}
	}
	assert.Equal(t, []float64{20, 40, 60, 80, 100}, pcts)
}

func TestEngine_CancelLetsInFlightCallFinish(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	var callErr error
	fa := &fakeAnalyzer{fn: func(ctx context.Context, _ string) (Result, error) {
		close(started)
		<-release
		callErr = ctx.Err()
		return Result{Mood: "calm"}, nil
	}}
	f := newFixture(t, fa, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := f.engine.Run(ctx, []KeyJob{
		{Key: "a", Records: []Record{{ID: 5, Text: "x"}}},
		{Key: "b", Records: []Record{{ID: 1, Text: "y"}}},
		{Key: "c", Records: []Record{{ID: 1, Text: "z"}}},
	})
	go func() {
		<-started
		cancel()
		close(release)
	}()
	evs, sum := drain(r)

	require.NoError(t, callErr)
	assert.Equal(t, 1, sum.Success)
	assert.Equal(t, 2, sum.Failed)

	ev, ok := completion(evs, "a")
	require.True(t, ok)
	assert.Equal(t, OutcomeDone, ev.Outcome)
	assert.Equal(t, int64(5), f.checkpoints.Get("a"))
	assert.Equal(t, "calm", f.results.Get("a").Mood)

	for _, k := range []Key{"b", "c"} {
		ev, ok := completion(evs, k)
		require.True(t, ok, "key %s", k)
		assert.ErrorIs(t, ev.Err, context.Canceled)
		assert.Equal(t, int64(0), f.checkpoints.Get(k))
		assert.False(t, f.results.Has(k))
	}
	assert.Len(t, fa.Calls(), 1)
	assert.Equal(t, EventBatchCompleted, evs[len(evs)-1].Kind)
}

func TestEngine_CancelStopsBetweenChunks(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fa := &fakeAnalyzer{fn: func(context.Context, string) (Result, error) {
		cancel()
		return Result{HotWords: []string{"w"}}, nil
	}}
	f := newFixture(t, fa, func(o *EngineOptions) { o.MaxChunkChars = 10 })

	_, sum := drain(f.engine.Run(ctx, []KeyJob{{Key: "k", Records: recs(map[int64]string{1: "one", 2: "two"})}}))

	assert.Equal(t, 1, sum.Failed)
	require.Len(t, sum.Keys, 1)
	assert.ErrorIs(t, sum.Keys[0].Err, context.Canceled)
	assert.Len(t, fa.Calls(), 1)
	assert.Equal(t, int64(0), f.checkpoints.Get("k"))
	assert.False(t, f.results.Has("k"))
}

func TestEngine_PersistFailureReportsKeyFailed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	blocker := filepath.Join(dir, "state")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	var logs bytes.Buffer
	logger := zerolog.New(&logs)
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	cps := NewCheckpointStore(filepath.Join(blocker, "processed_records.json"))
	cps.Advance("K", 1)
	e, err := NewEngine(EngineOptions{
		Analyzer:    &fakeAnalyzer{fn: func(context.Context, string) (Result, error) { return Result{Mood: "m"}, nil }},
		Checkpoints: cps,
		Results:     NewResultStore(filepath.Join(dir, "results")),
		Retry:       RetryPolicy{MaxAttempts: 1},
		Metrics:     m,
		Logger:      &logger,
	})
	require.NoError(t, err)

	evs, sum := drain(e.Run(context.Background(), []KeyJob{{Key: "K", Records: []Record{{ID: 2, Text: "x"}}}}))
	assert.Equal(t, 1, sum.Failed)
	assert.ErrorIs(t, sum.Keys[0].Err, ErrPersistence)
	assert.Equal(t, int64(2), cps.Get("K"), "advance kept for the next successful persist")

	var sawError bool
	for _, ev := range evs {
		if ev.Kind == EventError && ev.Key == "K" {
			sawError = true
			assert.ErrorIs(t, ev.Err, ErrPersistence)
		}
	}
	assert.True(t, sawError)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.KeysTotal.WithLabelValues("failed", "persistence")))
	assert.Contains(t, logs.String(), `"code":"persistence"`)
	assert.Contains(t, logs.String(), `"key":"K"`)
}

type countingSource struct {
	mu     sync.Mutex
	after  map[Key]int64
	byKey  map[Key][]Record
	failOn Key
}

func (s *countingSource) FetchRecords(_ context.Context, key Key, afterID int64) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.after[key] = afterID
	if key == s.failOn {
		return nil, fmt.Errorf("connection refused")
	}
	var out []Record
	for _, r := range s.byKey[key] {
		if r.ID > afterID {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestEngine_RunSourceIsIncremental(t *testing.T) {
	t.Parallel()

	fa := &fakeAnalyzer{fn: func(_ context.Context, chunk string) (Result, error) {
		return Result{HotWords: []string{strings.TrimPrefix(chunk, "[-] ")}}, nil
	}}
	f := newFixture(t, fa, nil)
	src := &countingSource{
		after: map[Key]int64{},
		byKey: map[Key][]Record{"d": recs(map[int64]string{1: "first"})},
	}

	_, sum := drain(f.engine.RunSource(context.Background(), src, []Key{"d"}))
	require.Equal(t, 1, sum.Success)
	assert.Equal(t, int64(0), src.after["d"])

	src.byKey["d"] = recs(map[int64]string{1: "first", 2: "second"})
	_, sum = drain(f.engine.RunSource(context.Background(), src, []Key{"d"}))
	require.Equal(t, 1, sum.Success)
	assert.Equal(t, int64(1), src.after["d"])

	assert.Equal(t, []string{"[-] first", "[-] second"}, fa.Calls())
	assert.Equal(t, []string{"first", "second"}, f.results.Get("d").HotWords)
	assert.Equal(t, int64(2), f.checkpoints.Get("d"))
}

func TestEngine_RunSourceFetchFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeAnalyzer{}, nil)
	src := &countingSource{after: map[Key]int64{}, byKey: map[Key][]Record{}, failOn: "x"}

	evs, sum := drain(f.engine.RunSource(context.Background(), src, []Key{"x"}))
	assert.Equal(t, 1, sum.Failed)
	ev, ok := completion(evs, "x")
	require.True(t, ok)
	assert.Contains(t, ev.Err.Error(), "fetch records")
}

func TestEngine_EmptyBatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeAnalyzer{}, nil)
	evs, sum := drain(f.engine.Run(context.Background(), nil))
	assert.Equal(t, 0, sum.Success+sum.Failed)
	require.NotEmpty(t, evs)
	assert.Equal(t, EventBatchCompleted, evs[len(evs)-1].Kind)
}
