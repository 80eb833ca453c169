package domain

// Message payloads. They are passed by value and never mutated after publish.

// IngestRequest carries a document into the ingestion pipeline. It is the
// payload of both ingest.submitted and ingest.requested.
type IngestRequest struct {
	Document Document
}

// QueryRequest is the payload of query.submitted.
type QueryRequest struct {
	Question  string
	SessionID string
}

// RetrievalRequest is the payload of retrieval.requested. A TopK of zero
// means the retrieval agent's default.
type RetrievalRequest struct {
	Question string
	TopK     int
}

// RetrievalResult is the payload of retrieval.completed. Chunks is ranked
// best-first and may be empty.
type RetrievalResult struct {
	Question string
	Chunks   []ScoredChunk
}

// ResponseRequest is the payload of response.requested.
type ResponseRequest struct {
	Question string
	Chunks   []ScoredChunk
	History  []Turn
}

// ResponseResult is the payload of response.completed.
type ResponseResult struct {
	Answer   string
	Sources  []Source
	Grounded bool
}
