// Package coordinator drives the ingest and ask workflows over the message
// bus and owns job status and conversation history.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/docqa/internal/bus"
	"github.com/kalambet/docqa/internal/domain"
	"github.com/kalambet/docqa/internal/jobs"
	"github.com/kalambet/docqa/internal/metrics"
	"github.com/kalambet/docqa/internal/storage"
)

const (
	// DefaultSession is used when a question arrives without a session ID.
	DefaultSession = "default"

	defaultHistoryTurns  = 10
	defaultMaxUpload     = 50 << 20
	defaultRetention     = 24 * time.Hour
	defaultSweepInterval = 10 * time.Minute

	failRetries      = 3
	failRetryBackoff = 50 * time.Millisecond
)

var (
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrEmptyFile       = errors.New("file is empty")
	ErrTooLarge        = errors.New("file too large")
	ErrEmptyQuestion   = errors.New("question is empty")
)

// TurnStore persists conversation turns per session.
type TurnStore interface {
	AppendTurn(ctx context.Context, t storage.Turn) (int64, error)
	ListTurns(ctx context.Context, sessionID string, limit int) ([]storage.Turn, error)
	DeleteTraceTurns(ctx context.Context, sessionID, traceID string) (int, error)
	ClearSession(ctx context.Context, sessionID string) (int, error)
}

// FileChecker reports whether a file name has a supported extension.
type FileChecker interface {
	Supported(name string) bool
}

// Config tunes the coordinator. Zero values fall back to defaults.
type Config struct {
	// HistoryTurns is how many prior turns are passed to the response agent.
	HistoryTurns int
	// TopK is forwarded in retrieval requests; zero defers to the agent.
	TopK           int
	MaxUploadBytes int64
	Retention      time.Duration
	SweepInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = defaultHistoryTurns
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = defaultMaxUpload
	}
	if c.Retention <= 0 {
		c.Retention = defaultRetention
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	return c
}

// StatusView is what a poller sees for a trace ID.
type StatusView struct {
	TraceID   string          `json:"trace_id"`
	Kind      jobs.Kind       `json:"kind,omitempty"`
	Status    jobs.Status     `json:"status"`
	Phase     jobs.Phase      `json:"phase,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt *time.Time      `json:"created_at,omitempty"`
	UpdatedAt *time.Time      `json:"updated_at,omitempty"`
}

// askState is what the coordinator remembers about an in-flight question.
type askState struct {
	question string
	session  string
	// cleared is set when the session's history is cleared while the
	// question is in flight; its answer is then not recorded.
	cleared bool
}

// Coordinator is the bus handler for every workflow transition message.
type Coordinator struct {
	bus     *bus.Bus
	jobs    jobs.Store
	turns   TurnStore
	files   FileChecker
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu   sync.Mutex
	asks map[string]askState
}

// New creates a coordinator and subscribes it to b. m may be nil.
func New(b *bus.Bus, js jobs.Store, turns TurnStore, files FileChecker, cfg Config, m *metrics.Metrics) *Coordinator {
	c := &Coordinator{
		bus:     b,
		jobs:    js,
		turns:   turns,
		files:   files,
		cfg:     cfg.withDefaults(),
		metrics: m,
		logger:  slog.Default(),
		now:     time.Now,
		asks:    make(map[string]askState),
	}
	for _, t := range []bus.Type{
		bus.IngestSubmitted, bus.IngestCompleted, bus.IngestFailed,
		bus.QuerySubmitted, bus.RetrievalCompleted, bus.RetrievalFailed,
		bus.ResponseCompleted, bus.ResponseFailed, bus.AgentError,
	} {
		b.Subscribe(t, c)
	}
	return c
}

func (c *Coordinator) Name() string { return "coordinator" }

// CheckUpload reports whether a file of the given name and size would be
// accepted by SubmitIngest.
func (c *Coordinator) CheckUpload(fileName string, size int64) error {
	fileName = strings.TrimSpace(fileName)
	switch {
	case size == 0:
		return ErrEmptyFile
	case size > c.cfg.MaxUploadBytes:
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, size, c.cfg.MaxUploadBytes)
	case !c.files.Supported(fileName):
		return fmt.Errorf("%w: %q", ErrUnsupportedType, fileName)
	}
	return nil
}

// SubmitIngest registers an upload and returns its trace ID without waiting
// for ingestion.
func (c *Coordinator) SubmitIngest(ctx context.Context, fileName string, data []byte) (string, error) {
	fileName = strings.TrimSpace(fileName)
	if err := c.CheckUpload(fileName, int64(len(data))); err != nil {
		return "", err
	}

	traceID := uuid.NewString()
	if _, err := c.create(ctx, traceID, jobs.KindIngest); err != nil {
		return "", err
	}

	doc := domain.Document{
		ID:         uuid.NewString(),
		Name:       fileName,
		Size:       int64(len(data)),
		Content:    data,
		UploadedAt: c.now().UTC(),
	}
	msg := bus.NewMessage(traceID, bus.IngestSubmitted, c.Name(), domain.IngestRequest{Document: doc})
	if err := c.bus.Publish(msg); err != nil {
		c.abandon(ctx, traceID, err)
		return "", fmt.Errorf("publishing ingest: %w", err)
	}
	c.logger.Info("ingest submitted", "trace_id", traceID, "document_id", doc.ID, "file_name", fileName, "size", doc.Size)
	return traceID, nil
}

// SubmitQuery records the user turn and starts the ask workflow. The turn is
// removed again if the workflow ends in error.
func (c *Coordinator) SubmitQuery(ctx context.Context, question, sessionID string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", ErrEmptyQuestion
	}
	if sessionID == "" {
		sessionID = DefaultSession
	}

	traceID := uuid.NewString()
	if _, err := c.create(ctx, traceID, jobs.KindQuery); err != nil {
		return "", err
	}
	if _, err := c.turns.AppendTurn(ctx, storage.Turn{
		SessionID: sessionID,
		TraceID:   traceID,
		Role:      string(domain.RoleUser),
		Content:   question,
		CreatedAt: c.now(),
	}); err != nil {
		c.abandon(ctx, traceID, err)
		return "", fmt.Errorf("recording question: %w", err)
	}

	c.mu.Lock()
	c.asks[traceID] = askState{question: question, session: sessionID}
	c.mu.Unlock()

	msg := bus.NewMessage(traceID, bus.QuerySubmitted, c.Name(), domain.QueryRequest{Question: question, SessionID: sessionID})
	if err := c.bus.Publish(msg); err != nil {
		c.rollbackAsk(ctx, traceID)
		c.abandon(ctx, traceID, err)
		return "", fmt.Errorf("publishing query: %w", err)
	}
	c.logger.Info("query submitted", "trace_id", traceID, "session_id", sessionID)
	return traceID, nil
}

// Status returns the job state for traceID. Unknown IDs yield not_found.
func (c *Coordinator) Status(ctx context.Context, traceID string) (StatusView, error) {
	rec, err := c.jobs.Get(ctx, traceID)
	if errors.Is(err, jobs.ErrNotFound) {
		return StatusView{TraceID: traceID, Status: jobs.StatusNotFound}, nil
	}
	if err != nil {
		return StatusView{}, err
	}
	return StatusView{
		TraceID:   rec.TraceID,
		Kind:      rec.Kind,
		Status:    rec.Status,
		Phase:     rec.Phase,
		Result:    rec.Result,
		Error:     rec.Error,
		CreatedAt: &rec.CreatedAt,
		UpdatedAt: &rec.UpdatedAt,
	}, nil
}

// History returns the session's turns oldest first.
func (c *Coordinator) History(ctx context.Context, sessionID string) ([]domain.Turn, error) {
	rows, err := c.turns.ListTurns(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}
	return c.toDomainTurns(rows, ""), nil
}

// ClearHistory drops every turn of sessionID and reports how many were removed.
func (c *Coordinator) ClearHistory(ctx context.Context, sessionID string) (int, error) {
	c.mu.Lock()
	for id, st := range c.asks {
		if st.session == sessionID {
			st.cleared = true
			c.asks[id] = st
		}
	}
	c.mu.Unlock()

	n, err := c.turns.ClearSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	c.logger.Info("history cleared", "session_id", sessionID, "turns", n)
	return n, nil
}

// RunJanitor sweeps expired job records and bus history until ctx is done.
func (c *Coordinator) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

func (c *Coordinator) sweep(ctx context.Context) {
	cutoff := c.now().Add(-c.cfg.Retention)
	n, err := c.jobs.Sweep(ctx, cutoff)
	if err != nil {
		c.logger.Warn("janitor: job sweep failed", "error", err)
	}
	pruned := c.bus.PruneHistory(cutoff)
	if n > 0 || pruned > 0 {
		c.logger.Debug("janitor: swept", "jobs", n, "traces", pruned)
	}
}

func (c *Coordinator) Handle(ctx context.Context, msg bus.Message) ([]bus.Message, error) {
	switch msg.Type {
	case bus.IngestSubmitted:
		return c.onIngestSubmitted(ctx, msg)
	case bus.IngestCompleted:
		return nil, c.onIngestCompleted(ctx, msg)
	case bus.QuerySubmitted:
		return c.onQuerySubmitted(ctx, msg)
	case bus.RetrievalCompleted:
		return c.onRetrievalCompleted(ctx, msg)
	case bus.ResponseCompleted:
		return nil, c.onResponseCompleted(ctx, msg)
	case bus.IngestFailed, bus.RetrievalFailed, bus.ResponseFailed, bus.AgentError:
		f, ok := msg.Payload.(domain.Failure)
		if !ok {
			f = domain.Failure{Kind: domain.AgentFailed, Stage: msg.Sender, Reason: fmt.Sprintf("unexpected failure payload %T", msg.Payload)}
		}
		c.fail(ctx, msg.TraceID, f)
		return nil, nil
	default:
		return nil, fmt.Errorf("coordinator: unexpected message %s", msg.Type)
	}
}

func (c *Coordinator) onIngestSubmitted(ctx context.Context, msg bus.Message) ([]bus.Message, error) {
	req, ok := msg.Payload.(domain.IngestRequest)
	if !ok {
		return nil, fmt.Errorf("coordinator: unexpected payload %T", msg.Payload)
	}
	if ok, err := c.advance(ctx, msg.TraceID, jobs.Update{Status: jobs.StatusProcessing, Phase: jobs.PhaseIndexing}); !ok {
		return nil, err
	}
	return []bus.Message{msg.Reply(bus.IngestRequested, c.Name(), req)}, nil
}

func (c *Coordinator) onIngestCompleted(ctx context.Context, msg bus.Message) error {
	res, ok := msg.Payload.(domain.IngestResult)
	if !ok {
		return fmt.Errorf("coordinator: unexpected payload %T", msg.Payload)
	}
	body, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encoding ingest result: %w", err)
	}
	ok, err = c.advance(ctx, msg.TraceID, jobs.Update{Status: jobs.StatusCompleted, Result: body})
	if ok {
		c.logger.Info("ingest completed", "trace_id", msg.TraceID, "document_id", res.DocumentID, "chunks", res.Chunks)
	}
	return err
}

func (c *Coordinator) onQuerySubmitted(ctx context.Context, msg bus.Message) ([]bus.Message, error) {
	req, ok := msg.Payload.(domain.QueryRequest)
	if !ok {
		return nil, fmt.Errorf("coordinator: unexpected payload %T", msg.Payload)
	}
	if ok, err := c.advance(ctx, msg.TraceID, jobs.Update{Status: jobs.StatusProcessing, Phase: jobs.PhaseRetrieving}); !ok {
		return nil, err
	}
	return []bus.Message{msg.Reply(bus.RetrievalRequested, c.Name(), domain.RetrievalRequest{
		Question: req.Question,
		TopK:     c.cfg.TopK,
	})}, nil
}

func (c *Coordinator) onRetrievalCompleted(ctx context.Context, msg bus.Message) ([]bus.Message, error) {
	res, ok := msg.Payload.(domain.RetrievalResult)
	if !ok {
		return nil, fmt.Errorf("coordinator: unexpected payload %T", msg.Payload)
	}
	st, ok := c.ask(msg.TraceID)
	if !ok {
		c.logger.Warn("retrieval completed for unknown question", "trace_id", msg.TraceID)
		return nil, nil
	}

	// The current question is the last message of the prompt, not history.
	rows, err := c.turns.ListTurns(ctx, st.session, c.cfg.HistoryTurns+1)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	history := c.toDomainTurns(rows, msg.TraceID)
	if len(history) > c.cfg.HistoryTurns {
		history = history[len(history)-c.cfg.HistoryTurns:]
	}

	if ok, err := c.advance(ctx, msg.TraceID, jobs.Update{Status: jobs.StatusProcessing, Phase: jobs.PhaseGenerating}); !ok {
		return nil, err
	}
	return []bus.Message{msg.Reply(bus.ResponseRequested, c.Name(), domain.ResponseRequest{
		Question: st.question,
		Chunks:   res.Chunks,
		History:  history,
	})}, nil
}

func (c *Coordinator) onResponseCompleted(ctx context.Context, msg bus.Message) error {
	res, ok := msg.Payload.(domain.ResponseResult)
	if !ok {
		return fmt.Errorf("coordinator: unexpected payload %T", msg.Payload)
	}
	st, ok := c.ask(msg.TraceID)
	if !ok {
		c.logger.Warn("response completed for unknown question", "trace_id", msg.TraceID)
		return nil
	}

	sources := res.Sources
	if sources == nil {
		sources = []domain.Source{}
	}
	result, err := json.Marshal(domain.AskResult{
		Response: res.Answer,
		Sources:  sources,
		Query:    st.question,
		Grounded: res.Grounded,
	})
	if err != nil {
		return fmt.Errorf("encoding answer: %w", err)
	}
	srcJSON, err := json.Marshal(sources)
	if err != nil {
		return fmt.Errorf("encoding sources: %w", err)
	}

	if st.cleared {
		c.logger.Info("session cleared while answering; answer not recorded", "trace_id", msg.TraceID, "session_id", st.session)
	} else if _, err := c.turns.AppendTurn(ctx, storage.Turn{
		SessionID: st.session,
		TraceID:   msg.TraceID,
		Role:      string(domain.RoleAssistant),
		Content:   res.Answer,
		Sources:   string(srcJSON),
		CreatedAt: c.now(),
	}); err != nil {
		return fmt.Errorf("recording answer: %w", err)
	}

	ok, err = c.advance(ctx, msg.TraceID, jobs.Update{Status: jobs.StatusCompleted, Result: result})
	if err != nil {
		// The resulting agent error fails the job and removes both turns.
		return err
	}
	if !ok {
		// The job was already terminal; keep history consistent with it.
		c.rollbackAsk(ctx, msg.TraceID)
		return nil
	}
	c.forget(msg.TraceID)
	c.logger.Info("question answered", "trace_id", msg.TraceID, "session_id", st.session, "sources", len(sources), "grounded", res.Grounded)
	return nil
}

// fail moves the job to error and removes any turns the trace added. A store
// error is retried a few times since nothing else would end the job.
func (c *Coordinator) fail(ctx context.Context, traceID string, f domain.Failure) {
	c.rollbackAsk(ctx, traceID)
	for attempt := 1; ; attempt++ {
		ok, err := c.advance(ctx, traceID, jobs.Update{Status: jobs.StatusError, Error: f.Error()})
		if ok {
			c.logger.Warn("job failed", "trace_id", traceID, "kind", f.Kind, "stage", f.Stage, "reason", f.Reason)
		}
		if err == nil {
			return
		}
		if attempt == failRetries {
			c.logger.Error("could not record job failure", "trace_id", traceID, "kind", f.Kind, "error", err)
			return
		}
		select {
		case <-ctx.Done():
			c.logger.Error("could not record job failure", "trace_id", traceID, "kind", f.Kind, "error", err)
			return
		case <-time.After(time.Duration(attempt) * failRetryBackoff):
		}
	}
}

// advance applies u and reports whether it took effect. Transitions rejected
// because the job is unknown or already terminal are logged and dropped with
// a nil error. Any other store error is returned.
func (c *Coordinator) advance(ctx context.Context, traceID string, u jobs.Update) (bool, error) {
	rec, err := c.jobs.Transition(ctx, traceID, u)
	switch {
	case err == nil:
		c.metrics.JobTransition(string(rec.Kind), string(rec.Status))
		return true, nil
	case errors.Is(err, jobs.ErrInvalidTransition):
		c.logger.Warn("dropping late message", "trace_id", traceID, "status", u.Status, "error", err)
		return false, nil
	case errors.Is(err, jobs.ErrNotFound):
		c.logger.Warn("dropping message for unknown job", "trace_id", traceID, "status", u.Status)
		return false, nil
	default:
		return false, fmt.Errorf("moving job to %s: %w", u.Status, err)
	}
}

func (c *Coordinator) create(ctx context.Context, traceID string, kind jobs.Kind) (jobs.Record, error) {
	rec, err := c.jobs.Create(ctx, traceID, kind)
	if err != nil {
		return jobs.Record{}, fmt.Errorf("creating job: %w", err)
	}
	c.metrics.JobTransition(string(kind), string(rec.Status))
	return rec, nil
}

// abandon marks a job that never reached the bus as failed.
func (c *Coordinator) abandon(ctx context.Context, traceID string, cause error) {
	if _, err := c.advance(ctx, traceID, jobs.Update{Status: jobs.StatusError, Error: cause.Error()}); err != nil {
		c.logger.Error("could not mark abandoned job", "trace_id", traceID, "error", err)
	}
}

// rollbackAsk deletes the turns recorded for traceID and forgets the question.
func (c *Coordinator) rollbackAsk(ctx context.Context, traceID string) {
	st, ok := c.ask(traceID)
	if !ok {
		return
	}
	c.forget(traceID)
	if _, err := c.turns.DeleteTraceTurns(ctx, st.session, traceID); err != nil {
		c.logger.Error("removing turns of failed question", "trace_id", traceID, "session_id", st.session, "error", err)
	}
}

func (c *Coordinator) ask(traceID string) (askState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.asks[traceID]
	return st, ok
}

func (c *Coordinator) forget(traceID string) {
	c.mu.Lock()
	delete(c.asks, traceID)
	c.mu.Unlock()
}

// toDomainTurns converts stored rows, skipping those belonging to skipTrace.
func (c *Coordinator) toDomainTurns(rows []storage.Turn, skipTrace string) []domain.Turn {
	out := make([]domain.Turn, 0, len(rows))
	for _, r := range rows {
		if skipTrace != "" && r.TraceID == skipTrace {
			continue
		}
		t := domain.Turn{
			SessionID: r.SessionID,
			TraceID:   r.TraceID,
			Role:      domain.Role(r.Role),
			Content:   r.Content,
			CreatedAt: r.CreatedAt,
		}
		if r.Sources != "" && r.Sources != "[]" {
			// Malformed sources are dropped; the turn text is still useful.
			if err := json.Unmarshal([]byte(r.Sources), &t.Sources); err != nil {
				c.logger.Debug("dropping malformed turn sources", "session_id", r.SessionID, "trace_id", r.TraceID, "turn_id", r.ID, "error", err)
			}
		}
		out = append(out, t)
	}
	return out
}
