package domain

// IngestStage is the step an ingestion attempt reached
type IngestStage string

const (
	IngestStageReceived IngestStage = "received"
	IngestStageChunked  IngestStage = "chunked"
	IngestStageEmbedded IngestStage = "embedded"
	IngestStageIndexed  IngestStage = "indexed"
	IngestStageVisible  IngestStage = "visible"
	IngestStageFailed   IngestStage = "failed"
)

// IngestRequest carries one document to ingest
type IngestRequest struct {
	DocumentID string            `json:"document_id"`
	Content    string            `json:"content"`
	MimeType   string            `json:"mime_type,omitempty"`
	Title      string            `json:"title,omitempty"`
	Scope      Scope             `json:"scope,omitempty"`
	Owner      Owner             `json:"owner"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// IngestResult reports the outcome of an ingestion call
type IngestResult struct {
	DocumentID string         `json:"document_id"`
	Version    int64          `json:"version"`
	Status     DocumentStatus `json:"status"`
	Stage      IngestStage    `json:"stage"`
	Chunks     int            `json:"chunks"`
	Unchanged  bool           `json:"unchanged"` // content hash matched the current version
}

// DeleteResult reports the outcome of a delete call
type DeleteResult struct {
	DocumentID string         `json:"document_id"`
	Version    int64          `json:"version"`
	Status     DocumentStatus `json:"status"`
}
