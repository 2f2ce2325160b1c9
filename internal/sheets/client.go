package sheets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/agentworkforce/rostersync/internal/remote"
	"github.com/agentworkforce/rostersync/internal/roster"
)

const (
	DefaultSheetsURL = "https://sheets.googleapis.com"
	DefaultDriveURL  = "https://www.googleapis.com"
)

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrSheetNotFound = errors.New("sheet not found")
)

type Logger interface {
	Printf(format string, args ...any)
}

type ClientOptions struct {
	SpreadsheetID string
	SheetsURL     string
	DriveURL      string
	Tokens        TokenSource
	HTTPClient    *http.Client
	Backoff       remote.Backoff
	Logger        Logger
}

// Client reads a spreadsheet through the Sheets v4 values API and its
// modification time through Drive v3.
type Client struct {
	spreadsheetID string
	sheetsURL     string
	driveURL      string
	tokens        TokenSource
	httpClient    *http.Client
	backoff       remote.Backoff
	logger        Logger
}

var _ roster.Capability = (*Client)(nil)

func NewClient(opts ClientOptions) (*Client, error) {
	id := strings.TrimSpace(opts.SpreadsheetID)
	if id == "" {
		return nil, fmt.Errorf("%w: spreadsheet id is required", ErrInvalidInput)
	}
	if opts.Tokens == nil {
		return nil, fmt.Errorf("%w: token source is required", ErrInvalidInput)
	}
	sheetsURL := strings.TrimRight(strings.TrimSpace(opts.SheetsURL), "/")
	if sheetsURL == "" {
		sheetsURL = DefaultSheetsURL
	}
	driveURL := strings.TrimRight(strings.TrimSpace(opts.DriveURL), "/")
	if driveURL == "" {
		driveURL = DefaultDriveURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	backoff := opts.Backoff
	if backoff == (remote.Backoff{}) {
		backoff = remote.DefaultBackoff()
	}
	return &Client{
		spreadsheetID: id,
		sheetsURL:     sheetsURL,
		driveURL:      driveURL,
		tokens:        opts.Tokens,
		httpClient:    httpClient,
		backoff:       backoff,
		logger:        opts.Logger,
	}, nil
}

var spreadsheetIDPattern = regexp.MustCompile(`/spreadsheets/d/([a-zA-Z0-9_-]+)`)

// SpreadsheetIDFromURL accepts either a full document URL or a bare id.
func SpreadsheetIDFromURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidInput
	}
	if match := spreadsheetIDPattern.FindStringSubmatch(raw); match != nil {
		return match[1], nil
	}
	if strings.ContainsAny(raw, "/:?#") {
		return "", fmt.Errorf("%w: no spreadsheet id in %q", ErrInvalidInput, raw)
	}
	return raw, nil
}

func (c *Client) FetchMetadata(ctx context.Context) (roster.Metadata, error) {
	q := url.Values{}
	q.Set("fields", "modifiedTime")
	q.Set("supportsAllDrives", "true")
	var out struct {
		ModifiedTime string `json:"modifiedTime"`
	}
	endpoint := fmt.Sprintf("%s/drive/v3/files/%s?%s", c.driveURL, url.PathEscape(c.spreadsheetID), q.Encode())
	if err := c.getJSON(ctx, endpoint, &out); err != nil {
		return roster.Metadata{}, err
	}
	modified, err := time.Parse(time.RFC3339Nano, out.ModifiedTime)
	if err != nil {
		return roster.Metadata{}, remote.Unavailable(fmt.Errorf("malformed modifiedTime %q", out.ModifiedTime))
	}
	return roster.Metadata{ModifiedAt: modified}, nil
}

func (c *Client) FetchRows(ctx context.Context, sheet string) ([][]string, error) {
	q := url.Values{}
	q.Set("majorDimension", "ROWS")
	q.Set("valueRenderOption", "FORMATTED_VALUE")
	var out struct {
		Values [][]any `json:"values"`
	}
	endpoint := fmt.Sprintf("%s/v4/spreadsheets/%s/values/%s?%s",
		c.sheetsURL, url.PathEscape(c.spreadsheetID), url.PathEscape(sheet), q.Encode())
	if err := c.getJSON(ctx, endpoint, &out); err != nil {
		var httpErr *remote.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusBadRequest && strings.Contains(httpErr.Message, "Unable to parse range") {
			return nil, fmt.Errorf("%w: %w: %s", roster.ErrRosterInvalid, ErrSheetNotFound, sheet)
		}
		return nil, err
	}
	rows := make([][]string, 0, len(out.Values))
	for _, row := range out.Values {
		cells := make([]string, len(row))
		for i, cell := range row {
			if cell == nil {
				continue
			}
			if text, ok := cell.(string); ok {
				cells[i] = text
				continue
			}
			cells[i] = fmt.Sprint(cell)
		}
		rows = append(rows, cells)
	}
	return rows, nil
}

type googleError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	refreshed := false
	for attempt := 0; ; attempt++ {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt < c.backoff.MaxRetries {
				if waitErr := remote.Wait(ctx, c.backoff.Delay(attempt+1, 0)); waitErr != nil {
					return waitErr
				}
				continue
			}
			return remote.Unavailable(err)
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return remote.Unavailable(readErr)
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}

		if resp.StatusCode == http.StatusUnauthorized && !refreshed {
			refreshed = true
			c.tokens.Invalidate()
			continue
		}
		retryAfter := remote.ParseRetryAfter(resp.Header.Get("Retry-After"))
		if remote.IsRetryableStatus(resp.StatusCode) && attempt < c.backoff.MaxRetries {
			delay := c.backoff.Delay(attempt+1, retryAfter)
			c.logf("google api http %d, retrying in %s", resp.StatusCode, delay)
			if waitErr := remote.Wait(ctx, delay); waitErr != nil {
				return waitErr
			}
			continue
		}

		var decoded googleError
		_ = json.Unmarshal(payload, &decoded)
		message := decoded.Error.Message
		if message == "" {
			message = strings.TrimSpace(string(payload))
		}
		status := resp.StatusCode
		// Per-user quota exhaustion arrives as 403.
		if status == http.StatusForbidden && isQuotaMessage(message, decoded.Error.Status) {
			status = http.StatusTooManyRequests
		}
		return remote.NewHTTPError(status, decoded.Error.Status, message, retryAfter)
	}
}

func isQuotaMessage(message, status string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "quota exceeded") ||
		strings.Contains(lower, "rate limit exceeded") ||
		status == "RESOURCE_EXHAUSTED"
}

func (c *Client) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
