package interfaces

import "context"

// PostRequest describes an article handed to the external poster
type PostRequest struct {
	Title      string   `json:"title"`
	Content    string   `json:"content"` // rendered HTML body
	Status     string   `json:"status"`  // e.g. "publish", "draft"
	Categories []int    `json:"categories,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// PostResponse is the poster's acknowledgement
type PostResponse struct {
	ID   string `json:"id"`
	Link string `json:"link"`
}

// Poster publishes generated articles to an external channel. Retryable,
// idempotent-on-title behavior is not guaranteed; callers must dedup within
// a publishing run.
type Poster interface {
	CreatePost(ctx context.Context, req PostRequest) (*PostResponse, error)
}
