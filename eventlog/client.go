package eventlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/maxpert/vaultsync/common"
	"github.com/maxpert/vaultsync/schema"
)

// DefaultTimeout bounds every call to the event log.
const DefaultTimeout = 10 * time.Second

// ClientConfig configures a Client.
type ClientConfig struct {
	// Timeout bounds each request. Zero means DefaultTimeout.
	Timeout time.Duration
	// LongPoll asks the server to hold empty reads open this long.
	LongPoll time.Duration
}

// Client calls an event log Server. Every failure to reach it, a timeout, a
// non-2xx status or an undecodable body is reported as common.ErrTransport;
// a 400 is reported as common.ErrValidation.
type Client struct {
	baseURL string
	config  ClientConfig
	http    *http.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, config ClientConfig) *Client {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		config:  config,
		http:    &http.Client{},
	}
}

// ReadSince fetches up to limit notifications newer than since.
func (c *Client) ReadSince(ctx context.Context, since uint64, limit int) ([]Notification, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatUint(since, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	timeout := c.config.Timeout
	if c.config.LongPoll > 0 {
		q.Set("wait", strconv.FormatInt(c.config.LongPoll.Milliseconds(), 10))
		timeout += c.config.LongPoll
	}

	var out []Notification
	if err := c.do(ctx, timeout, http.MethodGet, "/events?"+q.Encode(), nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AppendMetadata posts a schema snapshot for sourceID and returns its sequence.
func (c *Client) AppendMetadata(ctx context.Context, sourceID string, snap schema.Snapshot) (uint64, error) {
	meta, err := snap.Encode()
	if err != nil {
		return 0, common.Validationf("encode snapshot: %v", err)
	}

	var resp AppendResponse
	req := MetadataRequest{SourceID: sourceID, Metadata: meta}
	if err := c.do(ctx, c.config.Timeout, http.MethodPost, "/metadata", req, http.StatusCreated, &resp); err != nil {
		return 0, err
	}
	return resp.Sequence, nil
}

// AppendEvent posts a generic notification and returns its sequence.
func (c *Client) AppendEvent(ctx context.Context, sourceID string, kind Kind, payload interface{}) (uint64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, common.Validationf("encode payload: %v", err)
	}

	var resp AppendResponse
	req := EventRequest{SourceID: sourceID, Kind: kind, Payload: raw}
	if err := c.do(ctx, c.config.Timeout, http.MethodPost, "/events", req, http.StatusCreated, &resp); err != nil {
		return 0, err
	}
	return resp.Sequence, nil
}

// LatestMetadata fetches the last snapshot appended for sourceID.
func (c *Client) LatestMetadata(ctx context.Context, sourceID string) (schema.Snapshot, bool, error) {
	var raw json.RawMessage
	err := c.do(ctx, c.config.Timeout, http.MethodGet, "/metadata/"+url.PathEscape(sourceID), nil, http.StatusOK, &raw)
	if err == errNotFound {
		return schema.Snapshot{}, false, nil
	}
	if err != nil {
		return schema.Snapshot{}, false, err
	}

	snap, err := schema.Decode(raw)
	if err != nil {
		return schema.Snapshot{}, false, common.Transport("decode metadata", err)
	}
	return snap, true, nil
}

// Head returns the last sequence the server assigned.
func (c *Client) Head(ctx context.Context) (uint64, error) {
	var resp HealthResponse
	if err := c.do(ctx, c.config.Timeout, http.MethodGet, "/health", nil, http.StatusOK, &resp); err != nil {
		return 0, err
	}
	return resp.Head, nil
}

var errNotFound = fmt.Errorf("%w: not found", common.ErrTransport)

func (c *Client) do(ctx context.Context, timeout time.Duration, method, path string, body interface{}, want int, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return common.Validationf("encode request: %v", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return common.Transport(method+" "+path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return common.Transport(method+" "+path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return common.Transport("read response", err)
	}

	switch {
	case resp.StatusCode == want:
	case resp.StatusCode == http.StatusNotFound && method == http.MethodGet:
		return errNotFound
	case resp.StatusCode == http.StatusBadRequest:
		return common.Validationf("%s %s: %s", method, path, errorMessage(data))
	default:
		return common.Transport(method+" "+path, fmt.Errorf("status %d: %s", resp.StatusCode, errorMessage(data)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return common.Transport("decode response", err)
	}
	return nil
}

func errorMessage(data []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(data))
}
