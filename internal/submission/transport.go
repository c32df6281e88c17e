package submission

import (
	"context"
	"fmt"
)

// Payload is the request body of one row.
type Payload struct {
	// SequenceID identifies the row. Batch transports echo it back as the
	// Content-ID of the changeset part.
	SequenceID string

	// EntitySet is the target collection, e.g. "A_MaterialDocumentHeader".
	EntitySet string

	// Body is the OData deep-insert body.
	Body map[string]any
}

// Response is the back end's answer to one payload.
type Response struct {
	// ContentID is the sequence id echoed by a batch transport. Direct
	// transports may leave it blank.
	ContentID string

	StatusCode int

	// Data is the returned entity (the OData "d" object) on success. It is
	// nil when the body was empty or could not be decoded.
	Data map[string]any

	// Error is the decoded OData error body on failure.
	Error *ServerError

	// Message is the text of a sap-message header, when present.
	Message string

	// Raw is the body as received.
	Raw []byte
}

// Succeeded reports a 2xx status.
func (r *Response) Succeeded() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// ServerError is an error reported by the back end.
type ServerError struct {
	StatusCode int
	Code       string
	Message    string
	Details    []string
}

func (e *ServerError) Error() string {
	switch {
	case e.Message != "" && e.Code != "":
		return fmt.Sprintf("%s (%s)", e.Message, e.Code)
	case e.Message != "":
		return e.Message
	case e.Code != "":
		return "error " + e.Code
	default:
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
}

// Transport submits one payload.
//
// A returned error means the request could not be completed (network,
// cancellation). Business failures come back as a Response with a non-2xx
// status.
type Transport interface {
	Submit(ctx context.Context, p Payload) (*Response, error)
}

// BatchTransport submits several payloads in one request. Responses carry
// the ContentID of their payload and may come back in any order.
type BatchTransport interface {
	Transport
	SubmitBatch(ctx context.Context, payloads []Payload) ([]Response, error)
}
