package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/AnTengye/pagelens/backend/config"
	"github.com/AnTengye/pagelens/backend/model"
	"github.com/AnTengye/pagelens/backend/pkg/logger"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// ErrShuttingDown is returned by Submit once Shutdown has begun
var ErrShuttingDown = errors.New("pipeline is shutting down")

// CreditLedger is the part of the ledger the pipeline bills against
type CreditLedger interface {
	Debit(ctx context.Context, owner string) (int, error)
	Credit(ctx context.Context, owner string, amount int) (int, error)
}

// PipelineOptions tunes how jobs are accepted and analyzed
type PipelineOptions struct {
	Models          []string
	MaxContentChars int
	MinContentChars int
	MaxConcurrent   int // 0 = unbounded
	Languages       *LanguageMatcher
}

func PipelineOptionsFromConfig(cfg *config.Config) PipelineOptions {
	return PipelineOptions{
		Models:          cfg.Provider.Models,
		MaxContentChars: cfg.Analysis.MaxContentChars,
		MinContentChars: cfg.Analysis.MinContentChars,
		MaxConcurrent:   cfg.Jobs.MaxConcurrent,
		Languages:       NewLanguageMatcher(cfg.Analysis.Languages, cfg.Analysis.DefaultLanguage),
	}
}

// SubmitRequest is one document to analyze on behalf of an owner
type SubmitRequest struct {
	SubjectRef string
	Content    string
	Language   string
	Owner      string
}

// PipelineStats is the health view of the pipeline
type PipelineStats struct {
	Jobs          JobStats `json:"jobs"`
	CacheSize     int      `json:"cache_size"`
	CacheCapacity int      `json:"cache_capacity"`
}

// Pipeline accepts analysis jobs and runs each one asynchronously:
// cache lookup, debit, provider call, validation, cache store, finalize.
type Pipeline struct {
	jobs     *JobStore
	cache    *AnalysisCache
	ledger   CreditLedger
	provider AnalysisProvider
	opts     PipelineOptions
	sem      *semaphore.Weighted
	now      func() time.Time

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewPipeline(jobs *JobStore, cache *AnalysisCache, ledger CreditLedger, provider AnalysisProvider, opts PipelineOptions) *Pipeline {
	if opts.Languages == nil {
		opts.Languages = NewLanguageMatcher([]string{"en"}, "en")
	}
	p := &Pipeline{
		jobs:     jobs,
		cache:    cache,
		ledger:   ledger,
		provider: provider,
		opts:     opts,
		now:      time.Now,
	}
	if opts.MaxConcurrent > 0 {
		p.sem = semaphore.NewWeighted(int64(opts.MaxConcurrent))
	}
	return p
}

// Languages returns the matcher used to resolve requested languages
func (p *Pipeline) Languages() *LanguageMatcher {
	return p.opts.Languages
}

// Submit validates and queues a job, returning its id immediately.
// The analysis runs in the background, detached from ctx.
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	const op = "pipeline.submit"

	if req.Owner == "" {
		return "", newError(KindInvalidInput, op, "", errors.New("owner is required"))
	}
	subject, err := NormalizeSubject(req.SubjectRef)
	if err != nil {
		return "", newError(KindInvalidInput, op, req.Owner, err)
	}
	lang, err := p.opts.Languages.Resolve(req.Language)
	if err != nil {
		return "", newError(KindInvalidInput, op, req.Owner, err)
	}
	content := strings.TrimSpace(req.Content)
	if n := utf8.RuneCountInString(content); n < p.opts.MinContentChars {
		return "", newError(KindInvalidInput, op, req.Owner,
			fmt.Errorf("content too short: %d characters, need at least %d", n, p.opts.MinContentChars))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", ErrShuttingDown
	}

	job := &model.Job{
		ID:         uuid.New().String(),
		Status:     model.JobQueued,
		SubjectRef: subject,
		Content:    content,
		Language:   lang,
		Owner:      req.Owner,
	}
	p.jobs.Create(job)
	logger.Info(ctx, "job queued", "job_id", job.ID, "subject", subject, "language", lang)

	p.wg.Add(1)
	go p.run(job.ID)

	return job.ID, nil
}

// Job returns a snapshot of the job for polling
func (p *Pipeline) Job(id string) (*model.Job, error) {
	job := p.jobs.Get(id)
	if job == nil {
		return nil, newError(KindNotFound, "pipeline.job", "", fmt.Errorf("job %s", id))
	}
	return job, nil
}

// LookupCachedReport browses the cache without billing or touching LRU order
func (p *Pipeline) LookupCachedReport(subjectHash, lang string) (*model.Report, error) {
	report := p.cache.Peek(subjectHash, lang)
	if report == nil {
		return nil, newError(KindNotFound, "pipeline.lookup_cached_report", "", fmt.Errorf("no %s report for %s", lang, subjectHash))
	}
	return report, nil
}

func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		Jobs:          p.jobs.Stats(),
		CacheSize:     p.cache.Len(),
		CacheCapacity: p.cache.Capacity(),
	}
}

// Shutdown stops accepting jobs and waits for in-flight runs to finish
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight jobs: %w", ctx.Err())
	}
}

// runState tracks billing within a single run so a refund is issued at most once
type runState struct {
	debited  bool
	refunded bool
}

func (p *Pipeline) run(jobID string) {
	defer p.wg.Done()

	job := p.jobs.Get(jobID)
	if job == nil {
		// Force-evicted before it started
		return
	}
	ctx := logger.WithJob(context.Background(), job.ID, job.Owner)

	if p.sem != nil {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			p.finishWithError(ctx, job, &runState{}, err)
			return
		}
		defer p.sem.Release(1)
	}

	if err := p.jobs.MarkRunning(jobID); err != nil {
		logger.Warn(ctx, "job could not start", "error", err)
		return
	}

	st := &runState{}
	started := p.now()
	if err := p.execute(ctx, job, st); err != nil {
		p.finishWithError(ctx, job, st, err)
		return
	}
	p.jobs.Update(jobID, func(j *model.Job) { j.Content = "" })
	logger.Info(ctx, "job done", "duration", p.now().Sub(started))
}

// execute runs the analysis steps in order. A panic is returned as an error
// so the refund path still runs.
func (p *Pipeline) execute(ctx context.Context, job *model.Job, st *runState) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "panic in analysis job", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("internal error: %v", r)
		}
	}()

	subject, err := NormalizeSubject(job.SubjectRef)
	if err != nil {
		return newError(KindInvalidInput, "pipeline.normalize", job.Owner, err)
	}
	subjectHash := SubjectHash(subject)
	contentHash := ContentFingerprint(job.Content)

	if hit := p.cache.Lookup(subjectHash, job.Language); hit != nil {
		if hit.Metadata == nil {
			hit.Metadata = &model.ReportMetadata{SubjectHash: subjectHash, Language: job.Language}
		}
		hit.Metadata.Source = model.SourceCache

		// Cache hits are billed like fresh analyses
		if _, err := p.ledger.Debit(ctx, job.Owner); err != nil {
			return err
		}
		st.debited = true
		p.jobs.MarkDebited(job.ID)
		logger.Info(ctx, "cache hit", "subject_hash", subjectHash)
		return p.jobs.Complete(job.ID, hit)
	}

	// Debit before spending provider time
	if _, err := p.ledger.Debit(ctx, job.Owner); err != nil {
		return err
	}
	st.debited = true
	p.jobs.MarkDebited(job.ID)

	prompt := BuildPrompt(subject, job.Content, job.Language, p.opts.MaxContentChars)
	resp, err := p.provider.Analyze(ctx, prompt, p.opts.Models)
	if err != nil {
		return err
	}

	report, err := ParseReport(resp.Text)
	if err != nil {
		return err
	}
	report.Metadata = &model.ReportMetadata{
		SubjectHash: subjectHash,
		ContentHash: contentHash,
		AnalyzedAt:  p.now().UTC(),
		Language:    job.Language,
		Source:      model.SourceAI,
		Model:       resp.Model,
	}

	p.cache.Store(subjectHash, job.Language, report, subject)
	return p.jobs.Complete(job.ID, report)
}

// finishWithError refunds a debited credit once, then marks the job failed
func (p *Pipeline) finishWithError(ctx context.Context, job *model.Job, st *runState, cause error) {
	if st.debited && !st.refunded {
		st.refunded = true
		if balance, err := p.ledger.Credit(ctx, job.Owner, 1); err != nil {
			logger.Error(ctx, "refund failed", "error", err, "cause", cause)
		} else {
			logger.Info(ctx, "credit refunded", "balance", balance)
		}
	}

	reason := failureReason(cause)
	if err := p.jobs.Fail(job.ID, reason); err != nil {
		logger.Warn(ctx, "could not record job failure", "error", err)
	}
	p.jobs.Update(job.ID, func(j *model.Job) { j.Content = "" })
	logger.Warn(ctx, "job failed", "kind", KindOf(cause).String(), "error", cause)
}

// failureReason is the message stored on the failed job
func failureReason(err error) string {
	switch KindOf(err) {
	case KindQuotaExceeded:
		return "quota exceeded: no credits remaining"
	case KindNotFound:
		return "account not found"
	case KindProviderFailure:
		return "analysis failed: " + err.Error()
	case KindStoreUnavailable, KindLockTimeout:
		return "ledger unavailable: " + err.Error()
	default:
		return err.Error()
	}
}
