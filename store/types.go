// Package store provides the data access layer for documents and their
// enrichment artifacts: clauses, analyses, chunks.
//
// A document cascade-owns its child rows. Status advances monotonically
// along the pipeline (uploaded → parsed → chunked → extracted → graphed →
// analyzed) or to failed from any state; TransitionStatus enforces this.
package store

// Document statuses, in pipeline order.
const (
	StatusUploaded  = "uploaded"
	StatusParsed    = "parsed"
	StatusChunked   = "chunked"
	StatusExtracted = "extracted"
	StatusGraphed   = "graphed"
	StatusAnalyzed  = "analyzed"
	StatusFailed    = "failed"
)

// statusRank orders the pipeline statuses; failed is terminal from anywhere.
var statusRank = map[string]int{
	StatusUploaded:  0,
	StatusParsed:    1,
	StatusChunked:   2,
	StatusExtracted: 3,
	StatusGraphed:   4,
	StatusAnalyzed:  5,
}

// DefaultLeverage is the analyzer weighting applied when a document
// carries none.
const DefaultLeverage = `{"investor":0.6,"founder":0.4}`

// Document represents one uploaded file and its enrichment artifacts.
type Document struct {
	ID           string  `json:"id"`
	UserID       string  `json:"user_id"`
	Filename     string  `json:"filename"`
	MIME         string  `json:"mime"`
	BlobPath     string  `json:"blob_path"`
	Checksum     string  `json:"checksum"`
	Status       string  `json:"status"`
	PagesJSON    *string `json:"pages_json,omitempty"`
	TextPlain    *string `json:"text_plain,omitempty"`
	GraphJSON    *string `json:"graph_json,omitempty"`
	LeverageJSON string  `json:"leverage_json"`
	CreatedAt    int64   `json:"created_at"`
	UpdatedAt    int64   `json:"updated_at"`
}

// Clause is an extracted passage with semantic annotation.
type Clause struct {
	ID         string  `json:"id"`
	DocumentID string  `json:"document_id"`
	ClauseKey  string  `json:"clause_key"`
	Title      string  `json:"title"`
	Text       string  `json:"text"`
	StartIdx   int     `json:"start_idx"`
	EndIdx     int     `json:"end_idx"`
	PageHint   *int    `json:"page_hint,omitempty"`
	Score      float64 `json:"score"`
	MetaJSON   string  `json:"meta_json"`
	CreatedAt  int64   `json:"created_at"`
}

// Analysis is the analyzer output for one (document, clause) pair.
type Analysis struct {
	ID           string  `json:"id"`
	DocumentID   string  `json:"document_id"`
	ClauseID     string  `json:"clause_id"`
	BandName     string  `json:"band_name"`
	BandScore    float64 `json:"band_score"`
	InputsJSON   string  `json:"inputs_json"`
	AnalysisJSON string  `json:"analysis_json"`
	RedraftText  *string `json:"redraft_text,omitempty"`
	CreatedAt    int64   `json:"created_at"`
}

// Chunk is a physical text segment produced from the parsed structure.
type Chunk struct {
	ID         string  `json:"id"`
	DocumentID string  `json:"document_id"`
	ClauseID   *string `json:"clause_id,omitempty"`
	BlockID    *string `json:"block_id,omitempty"`
	Page       int     `json:"page"`
	Kind       string  `json:"kind"` // para | heading | table | list
	Text       string  `json:"text"`
	MetaJSON   string  `json:"meta_json"`
	Embedding  []byte  `json:"-"`
	CreatedAt  int64   `json:"created_at"`
}
