package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	MinConcurrency = 1
	MaxConcurrency = 10
)

// Source yields a key's records with id > afterID, ascending by id.
// Implementations must be safe for concurrent use by multiple workers.
type Source interface {
	FetchRecords(ctx context.Context, key Key, afterID int64) ([]Record, error)
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	Analyzer    Analyzer
	Checkpoints *CheckpointStore
	Results     *ResultStore

	// Concurrency is the number of keys processed at once, clamped to [MinConcurrency, MaxConcurrency].
	Concurrency int
	// MaxChunkChars bounds a single remote request's text (runes). <= 0 sends each batch whole.
	MaxChunkChars int
	Retry         RetryPolicy

	Metrics *Metrics
	Logger  *zerolog.Logger
}

// Engine schedules per-key analysis jobs over a bounded worker pool.
type Engine struct {
	analyzer    Analyzer
	checkpoints *CheckpointStore
	results     *ResultStore
	concurrency int
	maxChars    int
	retry       RetryPolicy
	metrics     *Metrics
	log         zerolog.Logger

	newRunID func() string
	now      func() time.Time
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Analyzer == nil {
		return nil, errors.New("NewEngine: analyzer is nil")
	}
	if opts.Checkpoints == nil {
		return nil, errors.New("NewEngine: checkpoint store is nil")
	}
	if opts.Results == nil {
		return nil, errors.New("NewEngine: result store is nil")
	}
	conc := opts.Concurrency
	if conc < MinConcurrency {
		conc = MinConcurrency
	}
	if conc > MaxConcurrency {
		conc = MaxConcurrency
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	return &Engine{
		analyzer:    opts.Analyzer,
		checkpoints: opts.Checkpoints,
		results:     opts.Results,
		concurrency: conc,
		maxChars:    opts.MaxChunkChars,
		retry:       opts.Retry,
		metrics:     opts.Metrics,
		log:         log,
		newRunID:    uuid.NewString,
		now:         time.Now,
	}, nil
}

// Concurrency returns the effective worker count.
func (e *Engine) Concurrency() int { return e.concurrency }

// KeyReport is one key's terminal outcome.
type KeyReport struct {
	Key      Key
	Outcome  Outcome
	Err      error
	Records  int
	Chunks   int
	LastID   int64
	Duration time.Duration
}

// Summary is the batch-level result of a Run.
type Summary struct {
	RunID   string
	Success int
	Failed  int
	Keys    []KeyReport
}

// Run is an in-flight batch. Events must be drained by exactly one consumer.
type Run struct {
	ID string

	q       *eventQueue
	done    chan struct{}
	summary Summary
	now     func() time.Time
}

// Events returns the progress channel. It is closed after the BatchCompleted event.
func (r *Run) Events() <-chan Event { return r.q.out }

// Wait blocks until every submitted key has a terminal outcome and returns the summary.
func (r *Run) Wait() Summary {
	<-r.done
	return r.summary
}

// Done is closed when the batch has finished.
func (r *Run) Done() <-chan struct{} { return r.done }

func (r *Run) emit(e Event) {
	e.RunID = r.ID
	if e.Time.IsZero() {
		e.Time = r.now()
	}
	r.q.push(e)
}

func (r *Run) status(key Key, st KeyState, chunk, chunks int) {
	r.emit(Event{Kind: EventStatus, Key: key, State: st, Chunk: chunk, Chunks: chunks})
}

func (r *Run) logf(key Key, format string, args ...any) {
	r.emit(Event{Kind: EventLog, Key: key, Message: fmt.Sprintf(format, args...)})
}

type fetchFunc func(ctx context.Context, key Key, afterID int64) ([]Record, error)

type keyTask struct {
	key   Key
	fetch fetchFunc
}

// Run analyzes pre-fetched jobs. Records at or below a key's checkpoint are dropped
// before chunking. The same key must not appear twice in one call or in concurrent runs.
func (e *Engine) Run(ctx context.Context, jobs []KeyJob) *Run {
	tasks := make([]keyTask, len(jobs))
	for i, j := range jobs {
		recs := j.Records
		tasks[i] = keyTask{key: j.Key, fetch: func(context.Context, Key, int64) ([]Record, error) {
			return recs, nil
		}}
	}
	return e.start(ctx, tasks)
}

// RunSource analyzes keys, fetching each key's unprocessed records from src inside its worker.
func (e *Engine) RunSource(ctx context.Context, src Source, keys []Key) *Run {
	tasks := make([]keyTask, len(keys))
	for i, k := range keys {
		tasks[i] = keyTask{key: k, fetch: src.FetchRecords}
	}
	return e.start(ctx, tasks)
}

func (e *Engine) start(ctx context.Context, tasks []keyTask) *Run {
	r := &Run{
		ID:   e.newRunID(),
		q:    newEventQueue(),
		done: make(chan struct{}),
		now:  e.now,
	}
	log := e.log.With().Str("run_id", r.ID).Logger()

	go func() {
		defer close(r.done)
		defer r.q.close()

		total := len(tasks)
		r.emit(Event{Kind: EventStatus, Message: fmt.Sprintf("analyzing %d keys, concurrency %d", total, e.concurrency)})
		log.Info().Int("keys", total).Int("concurrency", e.concurrency).Msg("batch started")

		var mu sync.Mutex
		summary := Summary{RunID: r.ID, Keys: make([]KeyReport, 0, total)}
		report := func(kr KeyReport) {
			mu.Lock()
			defer mu.Unlock()
			summary.Keys = append(summary.Keys, kr)
			if kr.Outcome == OutcomeDone {
				summary.Success++
			} else {
				summary.Failed++
			}
			e.metrics.keyFinished(kr.Outcome, kr.Err)
			r.emit(Event{
				Kind:    EventKeyCompleted,
				Key:     kr.Key,
				Outcome: kr.Outcome,
				Err:     kr.Err,
				Records: kr.Records,
				LastID:  kr.LastID,
			})
			pct := 100.0
			if total > 0 {
				pct = float64(len(summary.Keys)) * 100 / float64(total)
			}
			r.emit(Event{Kind: EventProgress, Percent: pct})
		}

		var g errgroup.Group
		g.SetLimit(e.concurrency)
		for i, task := range tasks {
			if err := ctx.Err(); err != nil {
				for _, rest := range tasks[i:] {
					report(KeyReport{Key: rest.key, Outcome: OutcomeFailed, Err: err})
				}
				break
			}
			g.Go(func() error {
				report(e.processKey(ctx, r, log, task))
				return nil
			})
		}
		_ = g.Wait()

		r.summary = summary
		r.emit(Event{
			Kind:    EventBatchCompleted,
			Success: summary.Success,
			Failed:  summary.Failed,
			Message: fmt.Sprintf("batch finished: %d succeeded, %d failed", summary.Success, summary.Failed),
		})
		log.Info().Int("success", summary.Success).Int("failed", summary.Failed).Msg("batch finished")
	}()
	return r
}

// processKey runs one key end to end. Chunks are analyzed and merged strictly in order
// into a private draft; the result document and the checkpoint are written only after
// every chunk succeeded.
func (e *Engine) processKey(ctx context.Context, r *Run, runLog zerolog.Logger, task keyTask) KeyReport {
	key := task.key
	started := e.now()
	log := runLog.With().Str("key", string(key)).Logger()
	kr := KeyReport{Key: key, Outcome: OutcomeFailed}

	fail := func(err error) KeyReport {
		kr.Err = err
		kr.Duration = e.now().Sub(started)
		r.status(key, StateFailed, 0, 0)
		if errors.Is(err, ErrPersistence) {
			r.emit(Event{Kind: EventError, Key: key, Err: err, Message: "durable write failed; re-run required"})
		}
		if errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Msg("key canceled")
		} else {
			log.Error().Err(err).Str("code", Classify(err)).Msg("key failed")
		}
		return kr
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	e.metrics.activeDelta(1)
	defer e.metrics.activeDelta(-1)

	before := e.checkpoints.Get(key)
	recs, err := task.fetch(ctx, key, before)
	if err != nil {
		return fail(fmt.Errorf("fetch records: %w", err))
	}
	pending := make([]Record, 0, len(recs))
	for _, rec := range recs {
		if rec.ID > before {
			pending = append(pending, rec)
		}
	}
	e.metrics.skipped(len(recs) - len(pending))
	kr.Records = len(pending)

	if len(pending) == 0 {
		r.logf(key, "no new records to analyze")
		r.status(key, StateDone, 0, 0)
		log.Debug().Int64("checkpoint", before).Msg("nothing to do")
		kr.Outcome = OutcomeDone
		kr.LastID = before
		kr.Duration = e.now().Sub(started)
		return kr
	}

	r.status(key, StateChunking, 0, 0)
	text := JoinRecords(pending)
	chunks := SplitText(text, e.maxChars)
	kr.Chunks = len(chunks)
	r.logf(key, "%d new records, %d chars, %d chunks", len(pending), len([]rune(text)), len(chunks))
	log.Info().Int("records", len(pending)).Int("chunks", len(chunks)).Int64("after_id", before).Msg("key started")

	draft := e.results.Stage(key)
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		n := i + 1
		r.status(key, StateCalling, n, len(chunks))

		policy := e.retry
		policy.OnRetry = func(attempt int, err error, wait time.Duration) {
			e.metrics.retried()
			r.logf(key, "chunk %d/%d attempt %d failed (%v); retrying in %s", n, len(chunks), attempt, err, wait)
			log.Warn().Err(err).Int("chunk", n).Int("attempt", attempt).Dur("wait", wait).Msg("remote call failed, retrying")
		}
		callStart := time.Now()
		partial, err := CallWithRetry(ctx, e.analyzer, chunk, policy)
		e.metrics.chunkFinished(err, time.Since(callStart).Seconds())
		if err != nil {
			return fail(fmt.Errorf("chunk %d/%d: %w", n, len(chunks), err))
		}

		r.status(key, StateMerging, n, len(chunks))
		draft.Apply(partial)
		log.Debug().Int("chunk", n).Int("chunks", len(chunks)).Msg("chunk merged")
	}

	r.status(key, StateCheckpointing, len(chunks), len(chunks))
	if err := e.results.Commit(draft); err != nil {
		return fail(err)
	}
	// The advance stays in memory on a failed write: another key's persist may
	// already have written it, and the next successful persist makes it durable.
	e.checkpoints.Advance(key, MaxID(pending))
	if err := e.checkpoints.Persist(); err != nil {
		return fail(err)
	}

	r.status(key, StateDone, len(chunks), len(chunks))
	kr.Outcome = OutcomeDone
	kr.LastID = e.checkpoints.Get(key)
	kr.Duration = e.now().Sub(started)
	log.Info().Int64("last_id", kr.LastID).Dur("took", kr.Duration).Msg("key done")
	return kr
}
