package odata

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/google/uuid"

	"github.com/ginjaninja78/odata-bulk-upload/internal/submission"
)

// =============================================================================
// $BATCH
// =============================================================================
//
// Request layout (one changeset per row, so one failing row never rolls
// back another):
//
//   --batch_<id>
//   Content-Type: multipart/mixed; boundary=changeset_<id>
//
//   --changeset_<id>
//   Content-Type: application/http
//   Content-Transfer-Encoding: binary
//   Content-ID: <sequence id>
//
//   POST EntitySet?sap-client=100 HTTP/1.1
//   Content-Type: application/json
//
//   {...}
//   --changeset_<id>--
//   --batch_<id>--
//
// =============================================================================

// SubmitBatch creates several entities in one $batch request. Each
// response carries the Content-ID of its changeset.
func (c *Client) SubmitBatch(ctx context.Context, payloads []submission.Payload) ([]submission.Response, error) {
	if len(payloads) == 0 {
		return nil, nil
	}

	body, contentType, err := c.encodeBatch(payloads)
	if err != nil {
		return nil, err
	}

	resp, data, err := c.send(ctx, http.MethodPost, c.resource("$batch"), contentType, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseError(resp.StatusCode, data)
	}

	responses, err := decodeBatch(resp.Header.Get("Content-Type"), data)
	if err != nil {
		return nil, fmt.Errorf("odata: decode $batch response: %w", err)
	}

	// The gateway replaces a failed changeset by a bare error response,
	// which may lack the Content-ID. Changesets are answered in request
	// order, so such a part belongs to the changeset at the same index.
	for i := range responses {
		if responses[i].ContentID == "" && i < len(payloads) {
			responses[i].ContentID = payloads[i].SequenceID
		}
	}

	c.logger.Debug("$batch completed", "payloads", len(payloads), "responses", len(responses))
	return responses, nil
}

// encodeBatch writes the multipart request body.
func (c *Client) encodeBatch(payloads []submission.Payload) ([]byte, string, error) {
	var buf bytes.Buffer
	batch := multipart.NewWriter(&buf)
	if err := batch.SetBoundary("batch_" + uuid.NewString()); err != nil {
		return nil, "", err
	}

	for _, p := range payloads {
		entity, err := json.Marshal(p.Body)
		if err != nil {
			return nil, "", fmt.Errorf("odata: encode payload of row %s: %w", p.SequenceID, err)
		}

		var cs bytes.Buffer
		changeset := multipart.NewWriter(&cs)
		if err := changeset.SetBoundary("changeset_" + uuid.NewString()); err != nil {
			return nil, "", err
		}
		part, err := changeset.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {"application/http"},
			"Content-Transfer-Encoding": {"binary"},
			"Content-Id":                {p.SequenceID},
		})
		if err != nil {
			return nil, "", err
		}
		fmt.Fprintf(part, "POST %s HTTP/1.1\r\n", c.relative(p.EntitySet))
		fmt.Fprintf(part, "Content-Type: application/json\r\nAccept: application/json\r\n")
		fmt.Fprintf(part, "Content-Length: %d\r\n\r\n", len(entity))
		part.Write(entity)
		if err := changeset.Close(); err != nil {
			return nil, "", err
		}

		outer, err := batch.CreatePart(textproto.MIMEHeader{
			"Content-Type": {"multipart/mixed; boundary=" + changeset.Boundary()},
		})
		if err != nil {
			return nil, "", err
		}
		outer.Write(cs.Bytes())
	}

	if err := batch.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "multipart/mixed; boundary=" + batch.Boundary(), nil
}

// decodeBatch reads every application/http part of a $batch response,
// descending into changesets.
func decodeBatch(contentType string, body []byte) ([]submission.Response, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		return nil, fmt.Errorf("unexpected content type %q", contentType)
	}

	var out []submission.Response
	err = walkParts(multipart.NewReader(bytes.NewReader(body), params["boundary"]), func(header textproto.MIMEHeader, part io.Reader) error {
		r, err := readHTTPPart(part)
		if err != nil {
			return err
		}
		if id := strings.TrimSpace(header.Get("Content-Id")); id != "" {
			r.ContentID = id
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

func walkParts(mr *multipart.Reader, visit func(textproto.MIMEHeader, io.Reader) error) error {
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		mediaType, params, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			return err
		}
		switch {
		case strings.HasPrefix(mediaType, "multipart/"):
			if err := walkParts(multipart.NewReader(part, params["boundary"]), visit); err != nil {
				return err
			}
		case mediaType == "application/http":
			if err := visit(part.Header, part); err != nil {
				return err
			}
		}
	}
}

// readHTTPPart parses the embedded HTTP response of one part.
func readHTTPPart(part io.Reader) (submission.Response, error) {
	resp, err := http.ReadResponse(bufio.NewReader(part), nil)
	if err != nil {
		return submission.Response{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return submission.Response{}, err
	}
	r := parseResponse(resp.StatusCode, resp.Header, body)

	// Some gateways echo the Content-ID inside the embedded response
	// instead of the part header.
	r.ContentID = strings.TrimSpace(resp.Header.Get("Content-Id"))
	return r, nil
}
