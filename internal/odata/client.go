// =============================================================================
// OData Bulk Upload - OData V2 Client
// =============================================================================
//
// The client is the HTTP transport behind the submission reconciler. It
// speaks the SAP Gateway dialect of OData V2:
//
//   - a CSRF token is fetched with "X-CSRF-Token: Fetch" before the first
//     modifying request, cached, and refreshed once when the server answers
//     403
//   - every request carries the sap-client query parameter and basic auth
//   - entities are created with a JSON POST to the entity set
//   - $batch requests carry one changeset per row; the Content-ID of each
//     changeset is the row's sequence id
//   - error bodies ({"error": {"code", "message": {"value"}, "innererror"}})
//     are decoded into submission.ServerError
//
// =============================================================================

package odata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"

	"github.com/ginjaninja78/odata-bulk-upload/internal/config"
	"github.com/ginjaninja78/odata-bulk-upload/internal/submission"
)

const (
	headerCSRF       = "X-CSRF-Token"
	headerSAPMessage = "sap-message"
	maxBodyBytes     = 16 << 20
)

var _ submission.BatchTransport = (*Client)(nil)

// Client talks to one OData service.
type Client struct {
	serviceURL *url.URL
	sapClient  string
	user       string
	password   string
	http       *http.Client
	logger     *slog.Logger

	mu    sync.Mutex
	token string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. The client should keep cookies:
// the gateway binds the CSRF token to the session cookie.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a client for the service at cfg.BaseURL + servicePath.
//
// PARAMETERS:
//   - cfg: Gateway URL, SAP client, credentials and request timeout.
//   - servicePath: The domain's service root, e.g.
//     "/sap/opu/odata/sap/API_FIXEDASSET_SRV".
//
// RETURNS:
//   - The client.
//   - An error if the URL is missing or malformed.
func NewClient(cfg config.ODataConfig, servicePath string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("odata: base URL is not configured")
	}
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/" + strings.Trim(servicePath, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("odata: invalid service URL: %w", err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("odata: cookie jar: %w", err)
	}

	c := &Client{
		serviceURL: u,
		sapClient:  cfg.Client,
		user:       cfg.User,
		password:   cfg.Password,
		http:       &http.Client{Timeout: cfg.RequestTimeout, Jar: jar},
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// ServiceURL returns the service root.
func (c *Client) ServiceURL() string {
	return c.serviceURL.String()
}

// resource returns the URL of a path below the service root with the
// sap-client parameter applied.
func (c *Client) resource(path string) string {
	u := c.serviceURL.ResolveReference(&url.URL{Path: strings.TrimLeft(path, "/")})
	if c.sapClient != "" {
		q := u.Query()
		q.Set("sap-client", c.sapClient)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// relative returns path with the sap-client parameter, for request lines
// inside a $batch body.
func (c *Client) relative(path string) string {
	if c.sapClient == "" {
		return path
	}
	return path + "?sap-client=" + url.QueryEscape(c.sapClient)
}

// =============================================================================
// CSRF TOKEN
// =============================================================================

func (c *Client) cachedToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// fetchToken asks the service root for a new CSRF token and caches it.
func (c *Client) fetchToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resource(""), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set(headerCSRF, "Fetch")
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("odata: fetch CSRF token: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))

	if resp.StatusCode >= 400 {
		return "", parseError(resp.StatusCode, body)
	}
	token := resp.Header.Get(headerCSRF)
	if token == "" {
		return "", fmt.Errorf("odata: service did not return a CSRF token")
	}

	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	c.logger.Debug("CSRF token fetched", "service", c.serviceURL.Path)
	return token, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}
}

// send performs a modifying request. A 403 answer is retried once with a
// freshly fetched token.
func (c *Client) send(ctx context.Context, method, target, contentType string, body []byte) (*http.Response, []byte, error) {
	token := c.cachedToken()
	if token == "" {
		var err error
		if token, err = c.fetchToken(ctx); err != nil {
			return nil, nil, err
		}
	}

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
		if err != nil {
			return nil, nil, err
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Accept", "application/json")
		req.Header.Set(headerCSRF, token)
		c.authorize(req)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, nil, err
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		resp.Body.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("odata: read response: %w", err)
		}

		if resp.StatusCode == http.StatusForbidden && attempt == 0 {
			c.logger.Debug("CSRF token rejected, refetching")
			if token, err = c.fetchToken(ctx); err != nil {
				return nil, nil, err
			}
			continue
		}
		return resp, data, nil
	}
}

// =============================================================================
// SINGLE ENTITY
// =============================================================================

// Submit creates one entity.
func (c *Client) Submit(ctx context.Context, p submission.Payload) (*submission.Response, error) {
	body, err := json.Marshal(p.Body)
	if err != nil {
		return nil, fmt.Errorf("odata: encode payload of row %s: %w", p.SequenceID, err)
	}

	resp, data, err := c.send(ctx, http.MethodPost, c.resource(p.EntitySet), "application/json", body)
	if err != nil {
		return nil, err
	}

	r := parseResponse(resp.StatusCode, resp.Header, data)
	r.ContentID = p.SequenceID
	return &r, nil
}

// =============================================================================
// RESPONSE DECODING
// =============================================================================

// parseResponse decodes the body of one entity response.
func parseResponse(status int, header http.Header, body []byte) submission.Response {
	r := submission.Response{
		StatusCode: status,
		Raw:        body,
		Message:    sapMessage(header.Get(headerSAPMessage)),
	}

	if status < 200 || status >= 300 {
		r.Error = parseError(status, body)
		return r
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return r
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return r
	}
	if d, ok := doc["d"].(map[string]any); ok {
		// Function imports wrap the entity once more.
		if inner, ok := d["results"].(map[string]any); ok {
			d = inner
		}
		r.Data = d
		return r
	}
	r.Data = doc
	return r
}

// sapMessage extracts the text of a sap-message header, which is either a
// JSON object with a "message" member or plain text.
func sapMessage(h string) string {
	h = strings.TrimSpace(h)
	if h == "" {
		return ""
	}
	var m struct {
		Message string `json:"message"`
	}
	if strings.HasPrefix(h, "{") && json.Unmarshal([]byte(h), &m) == nil {
		return m.Message
	}
	return h
}

type errorBody struct {
	Error struct {
		Code       string          `json:"code"`
		Message    json.RawMessage `json:"message"`
		InnerError struct {
			ErrorDetails []struct {
				Code     string `json:"code"`
				Message  string `json:"message"`
				Severity string `json:"severity"`
			} `json:"errordetails"`
		} `json:"innererror"`
	} `json:"error"`
}

// parseError decodes an OData V2 error body. Bodies that are not OData
// errors keep only the status code.
func parseError(status int, body []byte) *submission.ServerError {
	se := &submission.ServerError{StatusCode: status}

	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return se
	}
	se.Code = eb.Error.Code
	se.Message = messageText(eb.Error.Message)

	for _, d := range eb.Error.InnerError.ErrorDetails {
		if d.Message == "" {
			continue
		}
		if d.Code != "" {
			se.Details = append(se.Details, d.Code+": "+d.Message)
		} else {
			se.Details = append(se.Details, d.Message)
		}
		if se.Message == "" && !strings.EqualFold(d.Severity, "info") {
			se.Message = d.Message
		}
	}
	return se
}

// messageText accepts both {"lang": "en", "value": "..."} and a plain string.
func messageText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var obj struct {
		Value string `json:"value"`
	}
	if json.Unmarshal(raw, &obj) == nil && obj.Value != "" {
		return obj.Value
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return ""
}
