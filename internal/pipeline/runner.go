package pipeline

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/helixir/crawler-extractor/internal/domain"
	"github.com/helixir/crawler-extractor/internal/repository"
)

// Mode selects how a batch picks its records.
type Mode int

const (
	// ModeSnapshot queries candidates once and processes them in order.
	ModeSnapshot Mode = iota
	// ModeRequery queries before every record and picks one at random, so
	// concurrent runners spread over the pool.
	ModeRequery
)

// requeryFetchLimit bounds each candidate query in requery mode.
const requeryFetchLimit = 100

// ProgressFunc is called before a record is processed.
type ProgressFunc func(stage domain.StageName, paper *domain.PaperRecord)

// CompletionFunc is called after a record is processed.
type CompletionFunc func(stage domain.StageName, paper *domain.PaperRecord, outcome domain.StageOutcome)

// Callbacks observe a batch. Either field may be nil. OnComplete is always
// called from the goroutine running the batch. OnProgress may be called from
// worker goroutines when more than one worker is used.
type Callbacks struct {
	OnProgress ProgressFunc
	OnComplete CompletionFunc
}

func (c Callbacks) progress(stage domain.StageName, paper *domain.PaperRecord) {
	if c.OnProgress != nil {
		c.OnProgress(stage, paper)
	}
}

func (c Callbacks) complete(stage domain.StageName, paper *domain.PaperRecord, outcome domain.StageOutcome) {
	if c.OnComplete != nil {
		c.OnComplete(stage, paper, outcome)
	}
}

// StageBatchParams configures one stage batch.
type StageBatchParams struct {
	Stage      domain.StageName
	BatchSize  int
	Level      int
	SeedNumber *int
	Workers    int
	Mode       Mode
	Callbacks
}

// PgxBatchParams configures a PGX batch.
type PgxBatchParams struct {
	BatchSize int
	Workers   int
	Callbacks
}

// Runner drives a Processor over batches of records.
type Runner struct {
	proc      *Processor
	repo      repository.PaperRepository
	threshold float64
	logger    zerolog.Logger

	chooseMu sync.Mutex
	choose   func(n int) int
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithChooser replaces the random pick used in requery mode. choose must
// return an index in [0, n).
func WithChooser(choose func(n int) int) RunnerOption {
	return func(r *Runner) {
		r.choose = choose
	}
}

// NewRunner creates a runner for proc.
func NewRunner(proc *Processor, logger zerolog.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		proc:      proc,
		repo:      proc.repo,
		threshold: proc.steps.opts.ScoreThreshold,
		logger:    logger.With().Str("component", "stage_runner").Logger(),
		choose:    rand.IntN,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Processor returns the processor the runner drives.
func (r *Runner) Processor() *Processor {
	return r.proc
}

// RunStage runs one batch of a level-scoped stage and returns the outcomes.
// An empty candidate pool yields no outcomes and no error.
func (r *Runner) RunStage(ctx context.Context, p StageBatchParams) ([]domain.StageOutcome, error) {
	if _, ok := StateForStage(p.Stage); !ok || p.Stage == domain.StagePgxExtraction {
		return nil, fmt.Errorf("%w: stage %q is not level scoped", domain.ErrInvalidInput, p.Stage)
	}
	if p.BatchSize <= 0 {
		return nil, nil
	}

	var (
		outcomes []domain.StageOutcome
		tally    *Tally
		err      error
	)
	switch p.Mode {
	case ModeRequery:
		outcomes, tally, err = r.runRequery(ctx, requeryPlan{
			stage:     p.Stage,
			batchSize: p.BatchSize,
			workers:   p.Workers,
			callbacks: p.Callbacks,
			fetch: func(ctx context.Context) ([]*domain.PaperRecord, error) {
				return r.candidates(ctx, p.Stage, p.Level, requeryFetchLimit, p.SeedNumber)
			},
		})
	default:
		papers, ferr := r.candidates(ctx, p.Stage, p.Level, p.BatchSize, p.SeedNumber)
		if ferr != nil {
			return nil, ferr
		}
		papers = FilterProcessable(papers)
		if len(papers) == 0 {
			return nil, nil
		}
		outcomes, tally, err = r.runSnapshot(ctx, p.Stage, papers, p.Workers, p.Callbacks)
	}

	if tally.Total > 0 {
		r.logger.Info().
			Str("stage", string(p.Stage)).
			Int("level", p.Level).
			Object("tally", tally).
			Msg("stage batch finished")
	}
	return outcomes, err
}

// RunPgxBatch claims P1 records one at a time until BatchSize records have
// been processed or the pool is empty.
func (r *Runner) RunPgxBatch(ctx context.Context, p PgxBatchParams) ([]domain.StageOutcome, error) {
	if p.BatchSize <= 0 {
		return nil, nil
	}
	outcomes, tally, err := r.runRequery(ctx, requeryPlan{
		stage:     domain.StagePgxExtraction,
		batchSize: p.BatchSize,
		workers:   p.Workers,
		callbacks: p.Callbacks,
		fetch: func(ctx context.Context) ([]*domain.PaperRecord, error) {
			papers, err := r.repo.FetchByState(ctx, domain.PaperStateP1, requeryFetchLimit)
			if err != nil {
				return nil, fmt.Errorf("fetching pgx candidates: %w", err)
			}
			return papers, nil
		},
		claim: func(ctx context.Context, paper *domain.PaperRecord) (*domain.PaperRecord, error) {
			claimed, err := r.repo.UpdateState(ctx, paper.ID, domain.PaperStateP1WIP, nil)
			if err != nil {
				return nil, fmt.Errorf("%w: paper %s: %v", domain.ErrClaimConflict, paper.ID, err)
			}
			return claimed, nil
		},
		prepare: r.preparePgx,
	})
	if tally.Total > 0 {
		r.logger.Info().
			Str("stage", string(domain.StagePgxExtraction)).
			Object("tally", tally).
			Msg("pgx batch finished")
	}
	return outcomes, err
}

// preparePgx loads the PDF ahead of the stage so progress reports can carry
// the page count. Failures are left for the stage to report.
func (r *Runner) preparePgx(ctx context.Context, paper *domain.PaperRecord) (*domain.PaperRecord, *pdfPayload) {
	svc := r.proc.steps.svc
	if paper.PdfRef == nil || svc.Storage == nil || svc.Pgx == nil {
		return paper, nil
	}
	data, err := svc.Storage.FetchBlob(ctx, *paper.PdfRef)
	if err != nil {
		return paper, nil
	}
	payload := &pdfPayload{data: data}
	if n, ok := svc.Pgx.PageCount(data); ok {
		payload.pageCount = &n
		paper = paper.Clone()
		paper.Metadata = domain.MergeMetadata(paper.Metadata, map[string]interface{}{"page_count": n})
	}
	return paper, payload
}

type completed struct {
	index   int
	paper   *domain.PaperRecord
	outcome domain.StageOutcome
}

// runSnapshot processes papers with up to workers goroutines. Outcomes are
// returned in input order; OnComplete fires in completion order.
func (r *Runner) runSnapshot(ctx context.Context, stage domain.StageName, papers []*domain.PaperRecord, workers int, cb Callbacks) ([]domain.StageOutcome, *Tally, error) {
	tally := NewTally()

	if workers <= 1 || len(papers) == 1 {
		outcomes := make([]domain.StageOutcome, 0, len(papers))
		for _, paper := range papers {
			if err := ctx.Err(); err != nil {
				return outcomes, tally, err
			}
			cb.progress(stage, paper)
			outcome := r.proc.Run(ctx, paper, stage)
			cb.complete(stage, paper, outcome)
			tally.Add(outcome)
			outcomes = append(outcomes, outcome)
		}
		return outcomes, tally, nil
	}

	results := make(chan completed)
	go func() {
		defer close(results)
		var g errgroup.Group
		g.SetLimit(workers)
		for i, paper := range papers {
			if ctx.Err() != nil {
				break
			}
			cb.progress(stage, paper)
			g.Go(func() error {
				results <- completed{index: i, paper: paper, outcome: r.proc.Run(ctx, paper, stage)}
				return nil
			})
		}
		_ = g.Wait()
	}()

	slots := make([]*domain.StageOutcome, len(papers))
	for res := range results {
		cb.complete(stage, res.paper, res.outcome)
		tally.Add(res.outcome)
		outcome := res.outcome
		slots[res.index] = &outcome
	}

	outcomes := make([]domain.StageOutcome, 0, len(papers))
	for _, o := range slots {
		if o != nil {
			outcomes = append(outcomes, *o)
		}
	}
	return outcomes, tally, ctx.Err()
}

type requeryPlan struct {
	stage     domain.StageName
	batchSize int
	workers   int
	callbacks Callbacks
	fetch     func(ctx context.Context) ([]*domain.PaperRecord, error)
	// claim, when set, takes ownership of the chosen record before it runs.
	claim   func(ctx context.Context, paper *domain.PaperRecord) (*domain.PaperRecord, error)
	prepare func(ctx context.Context, paper *domain.PaperRecord) (*domain.PaperRecord, *pdfPayload)
}

// runRequery processes up to batchSize records, querying the pool before
// each one. Each worker reserves a slot before querying so the batch never
// overshoots.
func (r *Runner) runRequery(ctx context.Context, plan requeryPlan) ([]domain.StageOutcome, *Tally, error) {
	workers := max(plan.workers, 1)
	limit := int64(plan.batchSize)

	var reserved atomic.Int64
	results := make(chan completed)
	g, gctx := errgroup.WithContext(ctx)
	for range workers {
		g.Go(func() error {
			for reserved.Add(1) <= limit {
				if err := gctx.Err(); err != nil {
					return err
				}
				done, err := r.requeryOnce(gctx, plan, results)
				if err != nil || done {
					return err
				}
			}
			return nil
		})
	}

	var waitErr error
	go func() {
		waitErr = g.Wait()
		close(results)
	}()

	tally := NewTally()
	var outcomes []domain.StageOutcome
	for res := range results {
		plan.callbacks.complete(plan.stage, res.paper, res.outcome)
		tally.Add(res.outcome)
		outcomes = append(outcomes, res.outcome)
	}
	return outcomes, tally, waitErr
}

// requeryOnce picks and processes one record. done reports an empty pool.
func (r *Runner) requeryOnce(ctx context.Context, plan requeryPlan, results chan<- completed) (done bool, err error) {
	candidates, err := plan.fetch(ctx)
	if err != nil {
		return true, err
	}
	candidates = FilterProcessable(candidates)
	if len(candidates) == 0 {
		return true, nil
	}

	paper := candidates[r.pick(len(candidates))]
	if plan.claim != nil {
		if paper, err = plan.claim(ctx, paper); err != nil {
			return true, err
		}
	}
	var payload *pdfPayload
	if plan.prepare != nil {
		paper, payload = plan.prepare(ctx, paper)
	}

	plan.callbacks.progress(plan.stage, paper)
	results <- completed{paper: paper, outcome: r.proc.run(ctx, paper, plan.stage, payload)}
	return false, nil
}

func (r *Runner) pick(n int) int {
	r.chooseMu.Lock()
	defer r.chooseMu.Unlock()
	i := r.choose(n)
	if i < 0 || i >= n {
		return 0
	}
	return i
}
