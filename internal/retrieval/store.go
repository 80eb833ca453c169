package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Compile-time check that SQLiteStore implements VectorStore.
var _ VectorStore = (*SQLiteStore)(nil)

const (
	metaEmbedModel = "embed_model"
	// timeLayout is fixed width so timestamps sort as strings.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// SQLiteStore provides chunk storage and brute-force cosine similarity
// search backed by SQLite. Only rows written with the store's embedding
// model are searched.
type SQLiteStore struct {
	db    *sql.DB
	model string
}

// NewSQLiteStore wraps an existing *sql.DB. The documents and chunk_vectors
// tables must already exist (created via migrations).
func NewSQLiteStore(db *sql.DB, embedModel string) *SQLiteStore {
	return &SQLiteStore{db: db, model: embedModel}
}

// EnsureEmbeddingModel records the store's embedding model in index_meta on
// first use. If the index was built with another model and still holds
// chunks, it returns ErrEmbeddingMismatch: query vectors from one model are
// meaningless against vectors from another.
func (s *SQLiteStore) EnsureEmbeddingModel(ctx context.Context) error {
	var current string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM index_meta WHERE key = ?`, metaEmbedModel).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("reading index metadata: %w", err)
	}
	if current == s.model {
		return nil
	}
	if current != "" {
		var n int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunk_vectors`).Scan(&n); err != nil {
			return fmt.Errorf("counting chunks: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("%w: index built with %q, configured %q (delete the documents or restore the model)", ErrEmbeddingMismatch, current, s.model)
		}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO index_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, metaEmbedModel, s.model)
	if err != nil {
		return fmt.Errorf("writing index metadata: %w", err)
	}
	return nil
}

// UpsertDocument writes the document row and all of its chunks in one
// transaction, replacing any chunks from an earlier indexing of the same ID.
func (s *SQLiteStore) UpsertDocument(ctx context.Context, doc DocumentRecord, records []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	indexedAt := doc.IndexedAt
	if indexedAt.IsZero() {
		indexedAt = now
	}
	uploadedAt := doc.UploadedAt
	if uploadedAt.IsZero() {
		uploadedAt = now
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunk_vectors WHERE document_id = ?`, doc.ID); err != nil {
		return fmt.Errorf("clearing chunks of %s: %w", doc.ID, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (id, name, size, content, chunk_count, embed_model, uploaded_at, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, size = excluded.size, content = excluded.content,
			chunk_count = excluded.chunk_count, embed_model = excluded.embed_model, indexed_at = excluded.indexed_at`,
		doc.ID, doc.Name, doc.Size, doc.Content, len(records), s.model,
		uploadedAt.Format(timeLayout), indexedAt.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("writing document %s: %w", doc.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunk_vectors (id, document_id, chunk_index, file_name, locator, text_chunk, embedding, embed_model, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		if _, err := stmt.ExecContext(ctx, r.ID, doc.ID, r.ChunkIndex, r.FileName, r.Locator, r.TextChunk,
			encodeFloat32s(r.Embedding), s.model, createdAt.Format(timeLayout)); err != nil {
			return fmt.Errorf("inserting chunk %s: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

// idScore holds only the ID and score during the scan phase of Search.
// Full record details are fetched only for top-K winners.
type idScore struct {
	ID    string
	Score float32
}

// Search performs brute-force cosine similarity search over the vectors of
// the store's embedding model, returning the top-K most similar records.
// An empty index yields no results and no error.
func (s *SQLiteStore) Search(ctx context.Context, vector []float32, topK int) ([]ScoredRecord, error) {
	if topK <= 0 {
		return nil, nil
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	// Phase 1: scan only id + embedding to find top-K candidates.
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM chunk_vectors WHERE embed_model = ?`, s.model)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		score := dotProduct(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	rows.Close()

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full records only for the top-K IDs.
	topIDs := make([]string, h.Len())
	scores := make(map[string]float32, h.Len())
	for i := len(topIDs) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		topIDs[i] = item.ID
		scores[item.ID] = item.Score
	}

	records, err := s.getByIDs(ctx, topIDs)
	if err != nil {
		return nil, err
	}
	results := make([]ScoredRecord, 0, len(records))
	for _, r := range records {
		results = append(results, ScoredRecord{Record: r, Score: scores[r.ID]})
	}

	// Sort results by score descending (IN query doesn't preserve order).
	sortByScore(results)

	return results, nil
}

// sortByScore sorts ScoredRecords by Score descending, breaking ties by
// document and chunk order. Used for small slices (topK).
func sortByScore(results []ScoredRecord) {
	less := func(a, b ScoredRecord) bool {
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.DocumentID != b.DocumentID {
			return a.DocumentID < b.DocumentID
		}
		return a.ChunkIndex < b.ChunkIndex
	}
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && less(results[j], results[j-1]); j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

func (s *SQLiteStore) getByIDs(ctx context.Context, ids []string) ([]Record, error) {
	queryArgs := make([]interface{}, len(ids))
	for i, id := range ids {
		queryArgs[i] = id
	}
	query := `SELECT id, document_id, chunk_index, file_name, locator, text_chunk, embed_model, created_at
		FROM chunk_vectors WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`

	rows, err := s.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var createdAt string
		if err := rows.Scan(&r.ID, &r.DocumentID, &r.ChunkIndex, &r.FileName, &r.Locator, &r.TextChunk, &r.EmbedModel, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning full record: %w", err)
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at for id %s: %w", r.ID, err)
		}
		r.CreatedAt = t
		records = append(records, r)
	}
	return records, rows.Err()
}

// DeleteDocument removes the document and its chunks in one transaction.
func (s *SQLiteStore) DeleteDocument(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunk_vectors WHERE document_id = ?`, id); err != nil {
		return fmt.Errorf("deleting chunks of %s: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting document %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	return tx.Commit()
}

// ListDocuments returns document metadata without content, newest first.
func (s *SQLiteStore) ListDocuments(ctx context.Context) ([]DocumentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, size, chunk_count, embed_model, uploaded_at, indexed_at
		FROM documents ORDER BY indexed_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	var docs []DocumentRecord
	for rows.Next() {
		var d DocumentRecord
		var uploadedAt, indexedAt string
		if err := rows.Scan(&d.ID, &d.Name, &d.Size, &d.ChunkCount, &d.EmbedModel, &uploadedAt, &indexedAt); err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		if d.UploadedAt, err = time.Parse(time.RFC3339, uploadedAt); err != nil {
			return nil, fmt.Errorf("parsing uploaded_at for %s: %w", d.ID, err)
		}
		if d.IndexedAt, err = time.Parse(time.RFC3339, indexedAt); err != nil {
			return nil, fmt.Errorf("parsing indexed_at for %s: %w", d.ID, err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// Count returns the number of chunks indexed with the store's model.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunk_vectors WHERE embed_model = ?`, s.model).Scan(&count)
	return count, err
}

// Model returns the embedding model the store searches.
func (s *SQLiteStore) Model() string {
	return s.model
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// dotProduct computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a.
func dotProduct(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// idScoreHeap is a min-heap of idScore ordered by Score.
// Used during the scan phase of Search to track top-K candidates by ID only.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int            { return len(h) }
func (h idScoreHeap) Less(i, j int) bool  { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x interface{}) { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
