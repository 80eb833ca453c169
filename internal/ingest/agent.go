package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/docqa/internal/bus"
	"github.com/kalambet/docqa/internal/domain"
	"github.com/kalambet/docqa/internal/extract"
	"github.com/kalambet/docqa/internal/metrics"
	"github.com/kalambet/docqa/internal/retrieval"
)

// Extractor turns a file into text sections.
type Extractor interface {
	Extract(ctx context.Context, name string, data []byte) (extract.Result, error)
}

// BatchEmbedder embeds chunk texts. All vectors come from one model.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Indexer persists a document and its chunk vectors atomically.
type Indexer interface {
	UpsertDocument(ctx context.Context, doc retrieval.DocumentRecord, records []retrieval.Record) error
}

// Timeouts bounds each ingestion step. Zero values fall back to defaults.
type Timeouts struct {
	Extract time.Duration
	Embed   time.Duration
	Index   time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Extract <= 0 {
		t.Extract = time.Minute
	}
	if t.Embed <= 0 {
		t.Embed = 5 * time.Minute
	}
	if t.Index <= 0 {
		t.Index = 30 * time.Second
	}
	return t
}

// Agent runs extract, chunk, embed, and index for ingest.requested messages.
// A document becomes searchable only after every chunk is embedded and the
// whole document is written in one transaction.
type Agent struct {
	extractor Extractor
	chunker   Chunker
	embedder  BatchEmbedder
	indexer   Indexer
	timeouts  Timeouts
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewAgent creates the ingestion agent. m may be nil.
func NewAgent(ex Extractor, ch Chunker, emb BatchEmbedder, idx Indexer, t Timeouts, m *metrics.Metrics) *Agent {
	return &Agent{
		extractor: ex,
		chunker:   ch,
		embedder:  emb,
		indexer:   idx,
		timeouts:  t.withDefaults(),
		metrics:   m,
		logger:    slog.Default(),
	}
}

func (a *Agent) Name() string { return "ingestion" }

func (a *Agent) Handle(ctx context.Context, msg bus.Message) ([]bus.Message, error) {
	req, ok := msg.Payload.(domain.IngestRequest)
	if !ok {
		return nil, fmt.Errorf("ingestion: unexpected payload %T", msg.Payload)
	}
	doc := req.Document

	res, err := a.ingest(ctx, doc)
	if err != nil {
		f := domain.NewFailure(domain.IndexingFailed, "ingest", err)
		a.logger.Warn("ingestion failed", "trace_id", msg.TraceID, "document_id", doc.ID, "kind", f.Kind, "stage", f.Stage, "error", f.Reason)
		return []bus.Message{msg.Reply(bus.IngestFailed, a.Name(), f)}, nil
	}

	a.logger.Info("document indexed", "trace_id", msg.TraceID, "document_id", doc.ID, "file_name", doc.Name, "chunks", res.Chunks)
	return []bus.Message{msg.Reply(bus.IngestCompleted, a.Name(), res)}, nil
}

func (a *Agent) ingest(ctx context.Context, doc domain.Document) (domain.IngestResult, error) {
	var sections []extract.Section
	err := a.stage(ctx, "extract", a.timeouts.Extract, func(ctx context.Context) error {
		r, err := a.extractor.Extract(ctx, doc.Name, doc.Content)
		sections = r.Sections
		return err
	})
	if err != nil {
		return domain.IngestResult{}, domain.NewFailure(domain.ExtractionFailed, "extract", err)
	}

	chunks := a.chunker.Split(doc.ID, doc.Name, sections)
	if len(chunks) == 0 {
		return domain.IngestResult{}, domain.NewFailure(domain.ExtractionFailed, "extract", extract.ErrNoText)
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	var vecs [][]float32
	err = a.stage(ctx, "embed", a.timeouts.Embed, func(ctx context.Context) error {
		var err error
		vecs, err = a.embedder.EmbedBatch(ctx, texts)
		if err == nil && len(vecs) != len(chunks) {
			err = fmt.Errorf("got %d vectors for %d chunks", len(vecs), len(chunks))
		}
		return err
	})
	if err != nil {
		return domain.IngestResult{}, domain.NewFailure(domain.EmbeddingFailed, "embed", err)
	}

	now := time.Now().UTC()
	records := make([]retrieval.Record, len(chunks))
	for i, c := range chunks {
		records[i] = retrieval.Record{
			ID:         c.Key(),
			DocumentID: c.DocumentID,
			ChunkIndex: c.Index,
			FileName:   c.FileName,
			Locator:    c.Locator,
			TextChunk:  c.Text,
			Embedding:  vecs[i],
			CreatedAt:  now,
		}
	}
	err = a.stage(ctx, "index", a.timeouts.Index, func(ctx context.Context) error {
		return a.indexer.UpsertDocument(ctx, retrieval.DocumentRecord{
			ID:         doc.ID,
			Name:       doc.Name,
			Size:       doc.Size,
			Content:    doc.Content,
			UploadedAt: doc.UploadedAt,
			IndexedAt:  now,
		}, records)
	})
	if err != nil {
		return domain.IngestResult{}, domain.NewFailure(domain.IndexingFailed, "index", err)
	}

	return domain.IngestResult{DocumentID: doc.ID, FileName: doc.Name, Chunks: len(chunks)}, nil
}

// stage runs fn under its own deadline and records its duration.
func (a *Agent) stage(ctx context.Context, name string, d time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	stageCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	err := fn(stageCtx)
	a.metrics.ObserveStage(name, start)
	if err != nil && errors.Is(stageCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%s: %w (%v)", name, context.DeadlineExceeded, err)
	}
	return err
}
