package models

import "fmt"

// PageOutcomeKind tags the result of a fetch/render attempt
type PageOutcomeKind string

const (
	OutcomeOK          PageOutcomeKind = "ok"
	OutcomeSkipNonHTML PageOutcomeKind = "skip_non_html"
	OutcomeThrottled   PageOutcomeKind = "throttled"
	OutcomeServerError PageOutcomeKind = "server_error"
	OutcomeClientError PageOutcomeKind = "client_error"
	OutcomeNoResponse  PageOutcomeKind = "no_response"
)

// PageOutcome is the classified result of loading one page. Only OutcomeOK
// carries usable HTML; Throttled and ServerError drive host backoff.
type PageOutcome struct {
	Kind        PageOutcomeKind
	StatusCode  int
	ContentType string
	HTML        string
	// Links are absolute hrefs collected from the rendered DOM (OK only)
	Links []string
	// Err carries the transport-level failure for OutcomeNoResponse
	Err error
}

// ClassifyStatus maps an HTTP status and content type onto an outcome kind.
func ClassifyStatus(status int, contentType string, isHTML bool) PageOutcomeKind {
	switch {
	case status == 429:
		return OutcomeThrottled
	case status >= 500:
		return OutcomeServerError
	case status >= 400:
		return OutcomeClientError
	case status >= 200 && status < 300 && !isHTML:
		return OutcomeSkipNonHTML
	case status >= 200 && status < 300:
		return OutcomeOK
	default:
		return OutcomeNoResponse
	}
}

// String implements fmt.Stringer for log output.
func (o PageOutcome) String() string {
	return fmt.Sprintf("%s (status=%d, content_type=%s)", o.Kind, o.StatusCode, o.ContentType)
}
