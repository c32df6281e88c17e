package submission

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/ginjaninja78/odata-bulk-upload/internal/config"
	"github.com/ginjaninja78/odata-bulk-upload/internal/types"
)

// =============================================================================
// RESPONSE INTERPRETATION
// =============================================================================
//
// Success and failure messages are chosen by walking an ordered table of
// extractors; the first one that produces text wins.
//
//   success: server message -> document id template -> generic
//   failure: server message -> server code -> generic
//
// =============================================================================

// Generic messages used when nothing better is available.
const (
	GenericSuccessMessage = "Processed successfully"
	GenericFailureMessage = "Submission failed"
)

// ParseResponseError reports a success response whose body could not be
// interpreted. The row is failed, never silently marked successful.
type ParseResponseError struct {
	SequenceID string
	Cause      error
}

func (e *ParseResponseError) Error() string {
	return fmt.Sprintf("row %s: could not interpret the success response: %v", e.SequenceID, e.Cause)
}

func (e *ParseResponseError) Unwrap() error { return e.Cause }

// Code returns the error code.
func (e *ParseResponseError) Code() string { return types.CodeParseResult }

// successExtractor produces a success message from the response entity.
type successExtractor struct {
	name    string
	extract func(resp *Response, doc config.DomainSubmission) (string, bool)
}

// failureExtractor produces a failure message from a server error.
type failureExtractor struct {
	name    string
	extract func(se *ServerError) (string, bool)
}

var successMessageKeys = []string{"Message", "SuccessMessage", "message", "ReturnMessage"}

var successExtractors = []successExtractor{
	{"server message", func(resp *Response, _ config.DomainSubmission) (string, bool) {
		for _, key := range successMessageKeys {
			if s := scalarString(resp.Data[key]); s != "" {
				return s, true
			}
		}
		if resp.Message != "" {
			return resp.Message, true
		}
		return "", false
	}},
	{"document id", func(resp *Response, doc config.DomainSubmission) (string, bool) {
		return documentMessage(resp.Data, doc)
	}},
	{"generic", func(*Response, config.DomainSubmission) (string, bool) {
		return GenericSuccessMessage, true
	}},
}

var failureExtractors = []failureExtractor{
	{"server message", func(se *ServerError) (string, bool) {
		if se == nil || strings.TrimSpace(se.Message) == "" {
			return "", false
		}
		return strings.TrimSpace(se.Message), true
	}},
	{"server code", func(se *ServerError) (string, bool) {
		if se == nil || se.Code == "" {
			return "", false
		}
		return fmt.Sprintf("%s (error code %s)", GenericFailureMessage, se.Code), true
	}},
	{"generic", func(*ServerError) (string, bool) {
		return GenericFailureMessage, true
	}},
}

// SuccessMessage returns the message of a successful response.
func SuccessMessage(resp *Response, doc config.DomainSubmission) string {
	for _, e := range successExtractors {
		if msg, ok := e.extract(resp, doc); ok {
			return msg
		}
	}
	return GenericSuccessMessage
}

// FailureMessage returns the message of a failed response.
func FailureMessage(se *ServerError) string {
	for _, e := range failureExtractors {
		if msg, ok := e.extract(se); ok {
			return msg
		}
	}
	return GenericFailureMessage
}

var placeholder = regexp.MustCompile(`\{(\w+)\}`)

// documentMessage fills the success template from the response entity.
// Every placeholder must resolve; without a template the document fields
// are joined instead.
func documentMessage(data map[string]any, doc config.DomainSubmission) (string, bool) {
	if doc.SuccessTemplate != "" {
		complete := true
		msg := placeholder.ReplaceAllStringFunc(doc.SuccessTemplate, func(m string) string {
			value := scalarString(data[m[1:len(m)-1]])
			if value == "" {
				complete = false
			}
			return value
		})
		if complete {
			return msg, true
		}
		return "", false
	}

	var parts []string
	for _, f := range doc.DocumentFields {
		if value := scalarString(data[f]); value != "" {
			parts = append(parts, value)
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return "Document " + strings.Join(parts, "/") + " created", true
}

// interpret turns a transport completion into a SubmissionOutcome.
//
// PARAMETERS:
//   - sequenceID: The row the completion belongs to.
//   - resp: The response, nil when err is set.
//   - err: The transport error.
//   - doc: The domain's submission settings.
//   - timeout: The configured timeout, for the TIMEOUT message. Zero means
//     the deadline came from the caller's context.
func interpret(sequenceID string, resp *Response, err error, doc config.DomainSubmission, timeout time.Duration) types.SubmissionOutcome {
	outcome := types.SubmissionOutcome{SequenceID: sequenceID}

	if err != nil {
		var se *ServerError
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			outcome.ErrorCode = types.CodeTimeout
			if timeout > 0 {
				outcome.Message = fmt.Sprintf("No response from the back end within %s", timeout)
			} else {
				outcome.Message = fmt.Sprintf("No response from the back end before the deadline: %v", err)
			}
		case errors.As(err, &se):
			outcome.ErrorCode = serverCode(se)
			outcome.Message = FailureMessage(se)
		default:
			outcome.ErrorCode = types.CodeSubmission
			outcome.Message = fmt.Sprintf("%s: %v", GenericFailureMessage, err)
		}
		return outcome
	}

	if resp == nil {
		perr := &ParseResponseError{SequenceID: sequenceID, Cause: errors.New("no response")}
		outcome.ErrorCode = perr.Code()
		outcome.Message = perr.Error()
		return outcome
	}

	if !resp.Succeeded() {
		se := resp.Error
		if se == nil {
			se = &ServerError{StatusCode: resp.StatusCode}
		}
		outcome.ErrorCode = serverCode(se)
		outcome.Message = FailureMessage(se)
		return outcome
	}

	if resp.Data == nil && len(bytes.TrimSpace(resp.Raw)) > 0 {
		perr := &ParseResponseError{SequenceID: sequenceID, Cause: fmt.Errorf("body is not an OData entity: %.80q", resp.Raw)}
		outcome.ErrorCode = perr.Code()
		outcome.Message = perr.Error()
		return outcome
	}

	outcome.Success = true
	outcome.ResponseFields = flatten(resp.Data)
	outcome.Message = SuccessMessage(resp, doc)
	return outcome
}

func serverCode(se *ServerError) string {
	if se != nil && se.Code != "" {
		return se.Code
	}
	return types.CodeSubmission
}

// flatten keeps the scalar properties of an entity as text. Nested
// entities and __metadata are dropped.
func flatten(data map[string]any) map[string]string {
	out := make(map[string]string, len(data))
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.HasPrefix(k, "__") {
			continue
		}
		if s := scalarString(data[k]); s != "" {
			out[k] = s
		}
	}
	return out
}

// scalarString renders a decoded JSON scalar. Objects and arrays yield "".
func scalarString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case bool:
		if x {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", x)
	case int, int64:
		return fmt.Sprintf("%d", x)
	default:
		return ""
	}
}
