package odapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/zachweisman0105/OpenDentalQueryTool/internal/model"
)

// queryPath is the OpenDental FHIR endpoint that executes raw SQL.
const queryPath = "/queries/ShortQuery"

// pageSize is the server's page size: a response with fewer rows than
// this is the last page.
const pageSize = 100

// Options configures the API client.
type Options struct {
	// BaseURL of the OpenDental API. Must be https.
	BaseURL string

	// Timeout applies per HTTP request, not per logical query.
	// Default: 30s.
	Timeout time.Duration

	// RateLimit caps outgoing requests per second across all offices.
	// Default: 10 rps, burst 10.
	RateLimit rate.Limit

	// OnRows, if set, is called with the running row total each time a
	// page is fetched. Callback errors or panics never break the query.
	OnRows func(office model.OfficeID, total int)
}

// Client talks to the OpenDental query endpoint. One client is shared by
// every office executor; per-office state lives in the Authorization
// header only. Each call is single-shot: retry policy belongs to the
// caller.
type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	onRows     func(office model.OfficeID, total int)
}

// NewClient validates opts and builds a client. Plain-http base URLs are
// rejected: credentials travel in a header.
func NewClient(opts Options) (*Client, error) {
	if strings.HasPrefix(opts.BaseURL, "http://") {
		return nil, eris.Errorf("odapi: https required for API base URL, got insecure %s", opts.BaseURL)
	}
	if !strings.HasPrefix(opts.BaseURL, "https://") {
		return nil, eris.Errorf("odapi: invalid API base URL %q, must start with https://", opts.BaseURL)
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RateLimit == 0 {
		opts.RateLimit = 10
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		limiter: rate.NewLimiter(opts.RateLimit, int(opts.RateLimit)),
		onRows:  opts.OnRows,
	}, nil
}

// Query executes sql against one office, following the server's
// OFFSET-based pagination until a page returns fewer than 100 rows.
// Returned columns preserve the server's column order.
func (c *Client) Query(ctx context.Context, office model.OfficeID, cred model.Credential, sql string) ([]model.Row, []string, error) {
	var (
		allRows []model.Row
		columns []string
		offset  int
	)

	for {
		page, pageCols, err := c.fetchPage(ctx, office, cred, sql, offset)
		if err != nil {
			return nil, nil, err
		}

		if columns == nil {
			columns = pageCols
		}
		allRows = append(allRows, page...)
		c.notifyRows(office, len(allRows))

		if len(page) < pageSize {
			break
		}
		offset += len(page)
	}

	return allRows, columns, nil
}

func (c *Client) fetchPage(ctx context.Context, office model.OfficeID, cred model.Credential, sql string, offset int) ([]model.Row, []string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, eris.Wrap(err, "odapi: rate limiter wait")
	}

	url := c.baseURL + queryPath
	if offset > 0 {
		url += "?Offset=" + strconv.Itoa(offset)
	}

	body, err := json.Marshal(map[string]string{"SqlCommand": sql})
	if err != nil {
		return nil, nil, eris.Wrap(err, "odapi: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return nil, nil, eris.Wrap(err, "odapi: create request")
	}
	req.Header.Set("Authorization", "ODFHIR "+cred.DeveloperKey+"/"+cred.CustomerKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, model.NewKindError(model.ErrKindTransport,
			eris.Wrapf(err, "odapi: query office %s", office))
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, model.NewKindError(model.ErrKindTransport,
			eris.Wrap(err, "odapi: read response"))
	}

	if err := statusError(resp.StatusCode, payload); err != nil {
		return nil, nil, err
	}

	return parsePage(payload)
}

// statusError maps HTTP status codes onto the engine's error taxonomy.
func statusError(code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}

	detail := strings.TrimSpace(string(body))
	if len(detail) > 200 {
		detail = detail[:200]
	}
	err := eris.Errorf("odapi: http %d: %s", code, detail)

	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return model.NewKindError(model.ErrKindCredential, err)
	case code == http.StatusBadRequest:
		return model.NewKindError(model.ErrKindValidation, err)
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return model.NewKindError(model.ErrKindTransport, err)
	default:
		return err
	}
}

// parsePage decodes one response page. The server answers either with a
// bare array of row objects or an envelope carrying a "data" array.
// Column order comes from the first row's key order, which Go maps would
// otherwise discard.
func parsePage(payload []byte) ([]model.Row, []string, error) {
	rawRows, err := extractRowArray(payload)
	if err != nil {
		return nil, nil, err
	}
	if len(rawRows) == 0 {
		return nil, nil, nil
	}

	columns, err := objectKeys(rawRows[0])
	if err != nil {
		return nil, nil, eris.Wrap(err, "odapi: parse row columns")
	}

	rows := make([]model.Row, 0, len(rawRows))
	for _, raw := range rawRows {
		var cells map[string]any
		if err := json.Unmarshal(raw, &cells); err != nil {
			return nil, nil, eris.Wrap(err, "odapi: parse row")
		}
		row := make(model.Row, len(cells))
		for k, v := range cells {
			row[k] = cellString(v)
		}
		rows = append(rows, row)
	}
	return rows, columns, nil
}

func extractRowArray(payload []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, eris.New("odapi: empty response body")
	}

	if trimmed[0] == '[' {
		var rows []json.RawMessage
		if err := json.Unmarshal(trimmed, &rows); err != nil {
			return nil, eris.Wrap(err, "odapi: invalid JSON response")
		}
		return rows, nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, eris.Wrap(err, "odapi: invalid JSON response")
	}
	data, ok := envelope["data"]
	if !ok {
		data, ok = envelope["Data"]
	}
	if !ok {
		return nil, eris.New(`odapi: response missing "data" array`)
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, eris.New(`odapi: response "data" is not an array`)
	}
	return rows, nil
}

// objectKeys returns a JSON object's keys in document order.
func objectKeys(raw json.RawMessage) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, eris.New("row is not a JSON object")
	}

	var keys []string
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, eris.New("non-string object key")
		}
		keys = append(keys, key)

		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// cellString renders a decoded JSON value the way the table and exporters
// expect: numbers without a trailing ".0", null as empty.
func cellString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}

func (c *Client) notifyRows(office model.OfficeID, total int) {
	if c.onRows == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			zap.L().Warn("row progress callback panicked", zap.Any("panic", r))
		}
	}()
	c.onRows(office, total)
}
