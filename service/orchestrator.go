package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PuyokRfly/Audit-Playground/config"
	"github.com/PuyokRfly/Audit-Playground/model"
	"github.com/PuyokRfly/Audit-Playground/pkg/logger"
	"github.com/PuyokRfly/Audit-Playground/pkg/metrics"
)

const (
	settleAttempts = 3
	settleBackoff  = 50 * time.Millisecond
)

// NewSubmission is the input to Create.
type NewSubmission struct {
	FileName    string
	Owner       string
	ContentType string
	Source      []byte
}

// SubmissionView is a submission together with its result row, if any.
type SubmissionView struct {
	Submission *model.Submission
	Result     *model.AuditResult
}

// DispatchMode reports how analysis was started for a new submission.
type DispatchMode string

const (
	DispatchWorkflow  DispatchMode = "workflow"
	DispatchInProcess DispatchMode = "in_process"
	// DispatchDeferred means the workflow trigger failed and the submission
	// stays pending until analyze is called explicitly.
	DispatchDeferred DispatchMode = "deferred"
)

// Payment event results, also used as metric labels.
const (
	PaymentApplied  = "applied"
	PaymentReplayed = "replayed"
	PaymentIgnored  = "ignored"
)

// Orchestrator drives submissions through analysis, scoring and payment.
type Orchestrator struct {
	store    SubmissionStore
	storage  SourceStorage
	analyzer Analyzer
	scorer   Scorer
	workflow WorkflowNotifier
	config   *config.ScoringConfig
	claimTTL time.Duration
	now      func() time.Time

	wg sync.WaitGroup
}

// NewOrchestrator wires the collaborators. workflow may be nil. A processing
// claim older than claimTTL is treated as abandoned; zero keeps claims forever.
func NewOrchestrator(store SubmissionStore, storage SourceStorage, analyzer Analyzer, scorer Scorer,
	workflow WorkflowNotifier, cfg *config.ScoringConfig, claimTTL time.Duration) *Orchestrator {
	return &Orchestrator{
		store:    store,
		storage:  storage,
		analyzer: analyzer,
		scorer:   scorer,
		workflow: workflow,
		config:   cfg,
		claimTTL: claimTTL,
		now:      time.Now,
	}
}

// Create stores the source and persists a pending submission. Nothing
// downstream starts if either write fails.
func (o *Orchestrator) Create(ctx context.Context, in NewSubmission) (*model.Submission, error) {
	id := uuid.New().String()
	objectName := SourceObjectName(in.Owner, id, in.FileName)

	contentType := in.ContentType
	if contentType == "" {
		contentType = "text/plain"
	}
	if err := o.storage.UploadFile(ctx, objectName, bytes.NewReader(in.Source), int64(len(in.Source)), contentType); err != nil {
		return nil, &StoreError{Op: "upload source", Err: err}
	}

	sub := &model.Submission{
		ID:            id,
		FileName:      in.FileName,
		StoragePath:   objectName,
		Owner:         in.Owner,
		Status:        model.StatusPending,
		PaymentStatus: model.PaymentUnpaid,
		CreatedAt:     time.Now(),
	}
	if err := o.store.CreateSubmission(ctx, sub); err != nil {
		if delErr := o.storage.DeleteFile(context.WithoutCancel(ctx), objectName); delErr != nil {
			logger.Warn(ctx, "failed to clean up source after create failure",
				"object", objectName,
				"error", delErr,
			)
		}
		return nil, storeErr("create", err)
	}

	metrics.SubmissionsCreatedTotal.Inc()
	logger.Info(logger.WithSubmission(ctx, id), "submission created",
		"file_name", in.FileName,
		"size", len(in.Source),
	)
	created, err := o.store.GetSubmission(ctx, id)
	if err != nil {
		return nil, storeErr("get", err)
	}
	return created, nil
}

// Dispatch starts analysis for a freshly created submission: through the
// workflow when one is configured, otherwise in a background goroutine.
// A failed trigger leaves the submission pending.
func (o *Orchestrator) Dispatch(ctx context.Context, sub *model.Submission, source []byte) DispatchMode {
	ctx = logger.WithSubmission(ctx, sub.ID)
	if o.workflow != nil && o.workflow.Enabled() {
		if err := o.workflow.Trigger(ctx, sub.ID, source); err != nil {
			logger.Warn(ctx, "workflow trigger failed, submission left pending", "error", err)
			return DispatchDeferred
		}
		logger.Info(ctx, "workflow triggered")
		return DispatchWorkflow
	}
	o.AnalyzeAsync(ctx, sub.ID)
	return DispatchInProcess
}

// AnalyzeAsync runs Analyze in the background. The caller's cancellation
// does not stop the run; Wait blocks until all runs finish.
func (o *Orchestrator) AnalyzeAsync(ctx context.Context, id string) {
	runCtx := logger.WithSubmission(context.WithoutCancel(ctx), id)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.Analyze(runCtx, id); err != nil {
			if errors.Is(err, ErrAlreadyInProgress) {
				logger.Info(runCtx, "analysis already in progress")
				return
			}
			logger.Error(runCtx, "background analysis failed", "error", err)
		}
	}()
}

// Wait blocks until background analyses finish or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Analyze claims the submission, runs the tool, persists findings, scores
// them and marks the submission done. Every failure after the claim moves
// the submission to failed before returning unless that write fails too,
// in which case the claim lapses after claimTTL.
func (o *Orchestrator) Analyze(ctx context.Context, id string) (*model.Submission, error) {
	sub, err := o.claim(ctx, id, model.RunnableStatuses)
	if err != nil {
		return nil, err
	}
	ctx = logger.WithSubmission(ctx, id)
	start := time.Now()
	logger.Info(ctx, "analysis started", "file_name", sub.FileName)

	result, err := o.runAnalysis(ctx, sub)
	o.finishRun(start, err)
	return result, err
}

func (o *Orchestrator) runAnalysis(ctx context.Context, sub *model.Submission) (*model.Submission, error) {
	source, err := o.storage.GetFile(ctx, sub.StoragePath)
	if err != nil {
		return nil, o.fail(ctx, sub.ID, KindInfra, fmt.Sprintf("failed to load source: %v", err))
	}

	outcome := o.analyzer.Run(ctx, source, sub.FileName)
	switch outcome.Kind {
	case AnalysisFindings:
		if err := o.store.SaveFindings(ctx, sub.ID, outcome.Findings); err != nil {
			o.release(ctx, sub.ID, "failed to persist findings")
			return nil, storeErr("save findings", err)
		}
		return o.scoreAndFinish(ctx, sub.ID, outcome.Findings)

	case AnalysisToolError:
		if err := o.store.SaveToolError(ctx, sub.ID, outcome.Message); err != nil {
			o.release(ctx, sub.ID, "failed to persist tool error")
			return nil, storeErr("save tool error", err)
		}
		return nil, o.fail(ctx, sub.ID, KindTool, outcome.Message)

	default:
		return nil, o.fail(ctx, sub.ID, KindInfra, outcome.Message)
	}
}

// Rescore re-runs only the scoring step for a failed submission whose
// findings were persisted but never scored.
func (o *Orchestrator) Rescore(ctx context.Context, id string) (*model.Submission, error) {
	result, err := o.store.GetResult(ctx, id)
	if errors.Is(err, ErrNotFound) {
		if _, getErr := o.store.GetSubmission(ctx, id); getErr != nil {
			return nil, storeErr("get", getErr)
		}
		return nil, ErrNotRescorable
	}
	if err != nil {
		return nil, storeErr("get result", err)
	}
	if !result.HasFindings() || result.Scored() {
		return nil, ErrNotRescorable
	}

	if _, err := o.claim(ctx, id, []model.Status{model.StatusFailed}); err != nil {
		return nil, err
	}
	ctx = logger.WithSubmission(ctx, id)
	start := time.Now()
	logger.Info(ctx, "rescoring started")

	// Another run may have replaced the result between the check and the claim.
	result, err = o.store.GetResult(ctx, id)
	if err != nil || !result.HasFindings() || result.Scored() {
		o.release(ctx, id, "rescore: no unscored findings")
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, storeErr("get result", err)
		}
		return nil, ErrNotRescorable
	}

	sub, err := o.scoreAndFinish(ctx, id, result.RawFindings)
	o.finishRun(start, err)
	return sub, err
}

func (o *Orchestrator) scoreAndFinish(ctx context.Context, id string, findings json.RawMessage) (*model.Submission, error) {
	outcome := o.scoreWithRetry(ctx, findings)
	switch outcome.Kind {
	case ScoreScored:
	case ScoreInvalidResponse:
		logger.Warn(ctx, "invalid scoring response", "reason", outcome.Reason, "body", tail(outcome.RawBody, 2000))
		return nil, o.fail(ctx, id, KindInvalidResponse, outcome.Reason)
	default:
		return nil, o.fail(ctx, id, KindTransport, outcome.Reason)
	}

	if err := o.store.SaveScore(ctx, id, outcome.Score, outcome.Report); err != nil {
		o.release(ctx, id, "failed to persist score")
		return nil, storeErr("save score", err)
	}

	sub, err := o.settle(ctx, id, model.StatusDone, "")
	if err != nil {
		logger.Error(ctx, "failed to complete analysis", "error", err)
		return nil, storeErr("complete", err)
	}
	logger.Info(ctx, "analysis completed", "risk_score", outcome.Score)
	return sub, nil
}

// scoreWithRetry retries transport failures up to MaxAttempts.
func (o *Orchestrator) scoreWithRetry(ctx context.Context, findings json.RawMessage) ScoreOutcome {
	attempts := o.config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var outcome ScoreOutcome
	for attempt := 1; attempt <= attempts; attempt++ {
		outcome = o.scorer.Score(ctx, findings)
		if outcome.Kind != ScoreTransportError || attempt == attempts {
			return outcome
		}
		logger.Warn(ctx, "scoring transport error, retrying",
			"attempt", attempt,
			"max_attempts", attempts,
			"reason", outcome.Reason,
		)
		select {
		case <-time.After(o.config.RetryBackoff * time.Duration(attempt)):
		case <-ctx.Done():
			return transportErrorOutcome(fmt.Sprintf("%s (retry aborted: %v)", outcome.Reason, ctx.Err()))
		}
	}
	return outcome
}

// MarkPaid sets the payment dimension. Replays are no-ops.
func (o *Orchestrator) MarkPaid(ctx context.Context, id, paymentRef string) (bool, *model.Submission, error) {
	changed, sub, err := o.store.MarkPaid(ctx, id, paymentRef)
	if err != nil {
		return false, nil, storeErr("mark paid", err)
	}
	ctx = logger.WithSubmission(ctx, id)
	if changed {
		metrics.PaymentsTotal.WithLabelValues(PaymentApplied).Inc()
		logger.Info(ctx, "submission marked paid", "payment_ref", paymentRef)
	} else {
		metrics.PaymentsTotal.WithLabelValues(PaymentReplayed).Inc()
		logger.Info(ctx, "payment already recorded", "payment_ref", paymentRef)
	}
	return changed, sub, nil
}

// HandlePaymentEvent applies a verified payment event and reports what
// happened. Events for other types or unknown submissions are ignored.
func (o *Orchestrator) HandlePaymentEvent(ctx context.Context, evt *PaymentEvent) (string, error) {
	if evt.Type != EventCheckoutCompleted {
		return PaymentIgnored, nil
	}
	if evt.SubmissionID == "" {
		logger.Warn(ctx, "payment event without submission reference", "event_id", evt.ID)
		metrics.PaymentsTotal.WithLabelValues(PaymentIgnored).Inc()
		return PaymentIgnored, nil
	}

	ref := evt.SessionID
	if ref == "" {
		ref = evt.ID
	}
	changed, _, err := o.MarkPaid(ctx, evt.SubmissionID, ref)
	if errors.Is(err, ErrNotFound) {
		logger.Warn(logger.WithSubmission(ctx, evt.SubmissionID), "payment event for unknown submission",
			"event_id", evt.ID,
		)
		metrics.PaymentsTotal.WithLabelValues(PaymentIgnored).Inc()
		return PaymentIgnored, nil
	}
	if err != nil {
		return "", err
	}
	if changed {
		return PaymentApplied, nil
	}
	return PaymentReplayed, nil
}

// Get returns the submission and its result row, if one exists.
func (o *Orchestrator) Get(ctx context.Context, id string) (*SubmissionView, error) {
	sub, err := o.store.GetSubmission(ctx, id)
	if err != nil {
		return nil, storeErr("get", err)
	}
	result, err := o.store.GetResult(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, storeErr("get result", err)
	}
	return &SubmissionView{Submission: sub, Result: result}, nil
}

func (o *Orchestrator) List(ctx context.Context, owner string) ([]*model.Submission, error) {
	subs, err := o.store.ListSubmissions(ctx, owner)
	return subs, storeErr("list", err)
}

// SourceURL returns a time-limited download link for the stored source.
func (o *Orchestrator) SourceURL(ctx context.Context, sub *model.Submission) (string, error) {
	return o.storage.GetPresignedURL(ctx, sub.StoragePath)
}

// claim moves the submission from one of `from` to processing. A
// processing claim older than claimTTL is taken over.
func (o *Orchestrator) claim(ctx context.Context, id string, from []model.Status) (*model.Submission, error) {
	sub, err := o.store.TransitionStatus(ctx, id, from, model.StatusProcessing, "")

	var conflict *StatusConflictError
	if errors.As(err, &conflict) && conflict.Current == model.StatusProcessing && o.claimTTL > 0 {
		sub, err = o.store.ReclaimStale(ctx, id, o.now().Add(-o.claimTTL))
		if err == nil {
			logger.Warn(logger.WithSubmission(ctx, id), "took over abandoned analysis claim", "claim_ttl", o.claimTTL)
		}
	}
	if err == nil {
		return sub, nil
	}

	switch {
	case errors.As(err, &conflict) && conflict.Current == model.StatusProcessing:
		return nil, ErrAlreadyInProgress
	case errors.As(err, &conflict):
		return nil, fmt.Errorf("%w: submission is %s", ErrInvalidState, conflict.Current)
	default:
		return nil, storeErr("claim", err)
	}
}

// fail releases the claim with a failure reason and builds the error
// returned to the caller. If the release cannot be written the store
// error is returned instead.
func (o *Orchestrator) fail(ctx context.Context, id string, kind ErrorKind, msg string) error {
	if err := o.release(ctx, id, fmt.Sprintf("%s: %s", kind, msg)); err != nil {
		return storeErr("release", err)
	}
	return &AnalysisError{SubmissionID: id, Kind: kind, Message: msg}
}

// release moves a claimed submission to failed.
func (o *Orchestrator) release(ctx context.Context, id, reason string) error {
	if _, err := o.settle(ctx, id, model.StatusFailed, reason); err != nil {
		logger.Error(ctx, "failed to release analysis claim", "reason", reason, "error", err)
		return err
	}
	logger.Warn(ctx, "analysis failed", "reason", reason)
	return nil
}

// settle moves a claimed submission out of processing, retrying store
// failures a few times. It runs even if the caller's context is already
// cancelled. A conflict means the claim was taken over and is not retried.
func (o *Orchestrator) settle(ctx context.Context, id string, to model.Status, errMsg string) (*model.Submission, error) {
	ctx = context.WithoutCancel(ctx)

	var err error
	for attempt := 1; attempt <= settleAttempts; attempt++ {
		var sub *model.Submission
		sub, err = o.store.TransitionStatus(ctx, id, []model.Status{model.StatusProcessing}, to, errMsg)
		if err == nil {
			return sub, nil
		}
		var conflict *StatusConflictError
		if errors.As(err, &conflict) || errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if attempt < settleAttempts {
			logger.Warn(ctx, "status write failed, retrying",
				"attempt", attempt,
				"status", to,
				"error", err,
			)
			time.Sleep(settleBackoff * time.Duration(attempt))
		}
	}
	return nil, err
}

// FailAbandoned moves every processing submission whose claim has expired
// to failed. It is meant to run once at startup, before new claims are taken.
func (o *Orchestrator) FailAbandoned(ctx context.Context) (int, error) {
	if o.claimTTL <= 0 {
		return 0, nil
	}
	n, err := o.store.FailStale(ctx, o.now().Add(-o.claimTTL), "interrupted: analysis claim expired")
	if err != nil {
		return 0, storeErr("fail stale", err)
	}
	if n > 0 {
		logger.Warn(ctx, "failed abandoned analyses", "count", n)
	}
	return n, nil
}

func (o *Orchestrator) finishRun(start time.Time, err error) {
	metrics.AnalysisDuration.Observe(time.Since(start).Seconds())
	metrics.AnalysesTotal.WithLabelValues(runOutcomeLabel(err)).Inc()
}

func runOutcomeLabel(err error) string {
	if err == nil {
		return string(model.StatusDone)
	}
	var ae *AnalysisError
	if errors.As(err, &ae) {
		return string(ae.Kind)
	}
	return "store_error"
}
