package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultItem  ResultType = "item"
	ResultEvent ResultType = "event"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
	ItemID    string     `json:"itemId"`
	CapsuleID string     `json:"capsuleId"`
	Stage     string     `json:"stage,omitempty"`
}

// Query describes a search request. FilterCapsuleID is always set by the
// service layer; a caller never searches across capsules it is not in.
type Query struct {
	Text            string
	FilterType      ResultType // empty = all types
	FilterCapsuleID string
	Limit           int
	Offset          int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexItem(item ItemRecord) error
	IndexEvent(event EventRecord) error
	DeleteItem(id string) error
}

// ItemRecord is the data we index for a relationship item.
type ItemRecord struct {
	ID              string `json:"id"`
	CapsuleID       string `json:"capsuleId"`
	Title           string `json:"title"`
	Description     string `json:"description"`
	Category        string `json:"category"`
	Stage           string `json:"stage"`
	ResolutionNotes string `json:"resolutionNotes"`
}

// EventRecord is the data we index for one timeline entry.
type EventRecord struct {
	ID        string `json:"id"`
	ItemID    string `json:"itemId"`
	CapsuleID string `json:"capsuleId"`
	ItemTitle string `json:"itemTitle"`
	Action    string `json:"action"`
	Note      string `json:"note"`
}
