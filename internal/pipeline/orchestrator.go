package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helixir/paper-pipeline-service/internal/domain"
	"github.com/helixir/paper-pipeline-service/internal/observability"
)

// SessionStore persists session and stage state between stages.
type SessionStore interface {
	UpdateSessionStatus(ctx context.Context, id uuid.UUID, status domain.SessionStatus, failureReason string) error
	CreateStageResult(ctx context.Context, result *domain.StageResult) error
	AddSessionUsage(ctx context.Context, id uuid.UUID, usage domain.Usage) error
	UpdatePaperCounts(ctx context.Context, id uuid.UUID, found, ingested, failed int) error
}

// ArtifactStore persists stage artifacts as opaque JSON values. The empty key
// is a stage's primary artifact.
type ArtifactStore interface {
	Put(ctx context.Context, sessionID uuid.UUID, stage, key string, value []byte) error
	Get(ctx context.Context, sessionID uuid.UUID, stage, key string) ([]byte, error)
}

// Publisher emits session progress events.
type Publisher interface {
	Publish(ctx context.Context, event *domain.ProgressEvent) error
}

// Stage is one step of the pipeline.
type Stage interface {
	// Name returns the stage name, one of the domain.Stage* constants.
	Name() string

	// Skip decides, against the accumulated state, whether the stage should
	// not run. A true result carries a human-readable reason.
	Skip(state *State) (reason string, skip bool)

	// Run executes the stage. It mutates state for downstream stages and
	// returns the stage outcome; a returned error is fatal for the session.
	Run(ctx context.Context, state *State) (*domain.StageResult, error)
}

// Methodology is one paper's extracted methodology, carried between the
// extraction and synthesis stages.
type Methodology struct {
	Paper   *domain.Paper
	Content string
	Status  domain.ItemStatus
}

// State accumulates stage outputs across a session run. It is owned by a
// single orchestrator goroutine; stages mutate it only from Run.
type State struct {
	Session *domain.Session
	Config  domain.SessionConfig

	// Keywords produced by the rewrite stage.
	Keywords []string

	// Papers discovered by the search stage, deduped and sorted.
	Papers []*domain.Paper

	// Pages holds per-paper page transcriptions, keyed by paper ID.
	Pages map[uuid.UUID][]string

	// Markdown holds the emitted per-paper document, keyed by paper ID.
	Markdown map[uuid.UUID]string

	// Methodologies holds the extraction stage's per-paper outcomes.
	Methodologies []Methodology

	insufficientReason string
}

// NewState creates the state for one session run.
func NewState(session *domain.Session) *State {
	return &State{
		Session:  session,
		Config:   session.Config,
		Pages:    make(map[uuid.UUID][]string),
		Markdown: make(map[uuid.UUID]string),
	}
}

// MarkInsufficient records that the session cannot reach a full result. The
// first reason wins.
func (s *State) MarkInsufficient(reason string) {
	if s.insufficientReason == "" {
		s.insufficientReason = reason
	}
}

// Insufficient reports whether the session was marked insufficient.
func (s *State) Insufficient() (string, bool) {
	return s.insufficientReason, s.insufficientReason != ""
}

// EligibleMethodologies returns the methodologies with status ok.
func (s *State) EligibleMethodologies() []Methodology {
	var out []Methodology
	for _, m := range s.Methodologies {
		if m.Status == domain.ItemStatusOK {
			out = append(out, m)
		}
	}
	return out
}

// IngestedPapers returns the papers that have page transcriptions.
func (s *State) IngestedPapers() []*domain.Paper {
	var out []*domain.Paper
	for _, p := range s.Papers {
		if len(s.Pages[p.ID]) > 0 {
			out = append(out, p)
		}
	}
	return out
}

// Orchestrator drives the ordered stage list for a session, persists every
// stage result before the next stage starts, and computes the terminal
// session status.
type Orchestrator struct {
	stages    []Stage
	sessions  SessionStore
	publisher Publisher
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

// NewOrchestrator creates an orchestrator over the given stages, which run
// strictly in slice order.
func NewOrchestrator(stages []Stage, sessions SessionStore, publisher Publisher, logger zerolog.Logger, metrics *observability.Metrics) *Orchestrator {
	return &Orchestrator{
		stages:    stages,
		sessions:  sessions,
		publisher: publisher,
		logger:    logger,
		metrics:   metrics,
	}
}

// Run executes the pipeline for a session. It returns nil when the session
// reaches a terminal ok or insufficient status; a fatal stage error is
// returned after the session is marked failed. Cancellation marks the session
// cancelled.
func (o *Orchestrator) Run(ctx context.Context, session *domain.Session) error {
	ctx = observability.WithSessionID(ctx, session.ID.String())
	logger := observability.WithSessionContext(o.logger, session.ID.String())
	state := NewState(session)
	start := time.Now()

	if err := o.transition(ctx, session, domain.SessionStatusRunning, ""); err != nil {
		return err
	}
	o.metrics.RecordSessionStarted()
	o.publishSession(ctx, domain.EventTypeSessionStarted, session)
	logger.Info().Str("query", session.Query).Msg("session started")

	for pos, stage := range o.stages {
		stageLogger := observability.WithStageContext(logger, stage.Name(), pos)
		result := &domain.StageResult{
			ID:        uuid.New(),
			SessionID: session.ID,
			Name:      stage.Name(),
			Position:  pos,
		}

		if reason, skip := stage.Skip(state); skip {
			result.Status = domain.StageStatusSkipped
			result.SkipReason = reason
			if err := o.persistStage(ctx, session, result, 0); err != nil {
				return o.fail(ctx, session, start, err)
			}
			o.publishStage(ctx, domain.EventTypeStageSkipped, session, result)
			stageLogger.Info().Str("reason", reason).Msg("stage skipped")
			continue
		}

		o.publishStage(ctx, domain.EventTypeStageStarted, session, result)
		stageStart := time.Now()
		startedAt := stageStart
		result.StartedAt = &startedAt

		stageCtx := observability.WithStage(ctx, stage.Name())
		stageResult, err := stage.Run(stageCtx, state)
		if err != nil {
			result.Status = domain.StageStatusFailed
			result.Error = err.Error()
			if stageResult != nil {
				result.Usage = stageResult.Usage
				result.Items = stageResult.Items
			}
			if perr := o.persistStage(ctx, session, result, time.Since(stageStart).Seconds()); perr != nil {
				stageLogger.Error().Err(perr).Msg("failed to persist failed stage")
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return o.cancel(ctx, session, start, err)
			}
			return o.fail(ctx, session, start, domain.NewStageError(stage.Name(), err))
		}

		stageResult.ID = result.ID
		stageResult.SessionID = session.ID
		stageResult.Name = stage.Name()
		stageResult.Position = pos
		stageResult.StartedAt = result.StartedAt

		if err := o.persistStage(ctx, session, stageResult, time.Since(stageStart).Seconds()); err != nil {
			return o.fail(ctx, session, start, err)
		}
		o.publishStage(ctx, domain.EventTypeStageCompleted, session, stageResult)
		stageLogger.Info().
			Str("status", string(stageResult.Status)).
			Int("items", len(stageResult.Items)).
			Msg("stage completed")

		if stageResult.Status == domain.StageStatusFailed {
			reason := stageResult.Error
			if reason == "" {
				reason = "stage " + stage.Name() + " failed"
			}
			return o.fail(ctx, session, start, domain.NewStageError(stage.Name(), errors.New(reason)))
		}
	}

	status := domain.SessionStatusOK
	reason := ""
	if r, insufficient := state.Insufficient(); insufficient {
		status = domain.SessionStatusInsufficient
		reason = r
	}

	if err := o.transition(ctx, session, status, reason); err != nil {
		return err
	}
	o.metrics.RecordSessionCompleted(string(status), time.Since(start).Seconds())
	o.publishSession(ctx, domain.EventTypeSessionCompleted, session)
	logger.Info().Str("status", string(status)).Dur("duration", time.Since(start)).Msg("session completed")
	return nil
}

// persistStage stamps completion, accumulates usage, and writes the stage
// result. Stage results are persisted before the next stage starts so a crash
// leaves an inspectable trail.
func (o *Orchestrator) persistStage(ctx context.Context, session *domain.Session, result *domain.StageResult, durationSeconds float64) error {
	now := time.Now()
	result.CompletedAt = &now

	// Persistence must survive request-scoped cancellation.
	persistCtx := context.WithoutCancel(ctx)
	if err := o.sessions.CreateStageResult(persistCtx, result); err != nil {
		return err
	}
	if !result.Usage.IsZero() {
		session.Usage.Add(result.Usage)
		if err := o.sessions.AddSessionUsage(persistCtx, session.ID, result.Usage); err != nil {
			return err
		}
	}

	o.metrics.RecordStageCompleted(result.Name, string(result.Status), durationSeconds)
	for _, item := range result.Items {
		o.metrics.RecordStageItem(result.Name, string(item.Status))
	}
	return nil
}

// fail marks the session failed and returns the cause.
func (o *Orchestrator) fail(ctx context.Context, session *domain.Session, start time.Time, cause error) error {
	if err := o.transition(context.WithoutCancel(ctx), session, domain.SessionStatusFailed, cause.Error()); err != nil {
		o.logger.Error().Err(err).Stringer("session_id", session.ID).Msg("failed to mark session failed")
	}
	o.metrics.RecordSessionCompleted(string(domain.SessionStatusFailed), time.Since(start).Seconds())
	o.publishSession(context.WithoutCancel(ctx), domain.EventTypeSessionFailed, session)
	return cause
}

// cancel marks the session cancelled and returns the cause.
func (o *Orchestrator) cancel(ctx context.Context, session *domain.Session, start time.Time, cause error) error {
	if err := o.transition(context.WithoutCancel(ctx), session, domain.SessionStatusCancelled, "cancelled"); err != nil {
		o.logger.Error().Err(err).Stringer("session_id", session.ID).Msg("failed to mark session cancelled")
	}
	o.metrics.RecordSessionCompleted(string(domain.SessionStatusCancelled), time.Since(start).Seconds())
	o.publishSession(context.WithoutCancel(ctx), domain.EventTypeSessionCancelled, session)
	return cause
}

func (o *Orchestrator) transition(ctx context.Context, session *domain.Session, status domain.SessionStatus, reason string) error {
	session.Status = status
	session.FailureReason = reason
	return o.sessions.UpdateSessionStatus(ctx, session.ID, status, reason)
}

func (o *Orchestrator) publishSession(ctx context.Context, eventType string, session *domain.Session) {
	if o.publisher == nil {
		return
	}
	event, err := domain.NewProgressEvent(eventType, session.ID, domain.SessionEventPayload{
		Status:        session.Status,
		FailureReason: session.FailureReason,
		Usage:         session.Usage,
		PapersFound:   session.PapersFoundCount,
		PapersOK:      session.PapersIngestedCount,
	})
	if err != nil {
		o.logger.Error().Err(err).Msg("failed to build session event")
		return
	}
	if err := o.publisher.Publish(ctx, event); err != nil {
		o.logger.Warn().Err(err).Str("event_type", eventType).Msg("failed to publish session event")
	}
}

func (o *Orchestrator) publishStage(ctx context.Context, eventType string, session *domain.Session, result *domain.StageResult) {
	if o.publisher == nil {
		return
	}
	event, err := domain.NewProgressEvent(eventType, session.ID, domain.StageEventPayload{
		Stage:      result.Name,
		Position:   result.Position,
		Status:     result.Status,
		SkipReason: result.SkipReason,
		Usage:      result.Usage,
	})
	if err != nil {
		o.logger.Error().Err(err).Msg("failed to build stage event")
		return
	}
	if err := o.publisher.Publish(ctx, event); err != nil {
		o.logger.Warn().Err(err).Str("event_type", eventType).Msg("failed to publish stage event")
	}
}
