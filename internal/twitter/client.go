// Package twitter collects the accounts that retweeted a post from the
// remote v2 API, following pagination cursors until they run out.
package twitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/logger"
	"golang.org/x/time/rate"

	"roulette/internal/models"
)

const (
	// DefaultBaseURL is the public v2 API root.
	DefaultBaseURL = "https://api.twitter.com/2"

	pageSize        = 100
	cursorParam     = "pagination_token"
	rateResetHeader = "x-rate-limit-reset"
)

// Client is the Collector. It is safe for concurrent use; serializing
// collections per session is the caller's job.
type Client struct {
	HTTP      *http.Client
	BaseURL   string
	UserAgent string
	// Timeout bounds each page request; zero leaves only the http.Client timeout.
	Timeout time.Duration
	// MaxPages caps one collection so a misbehaving cursor chain cannot loop forever.
	MaxPages int

	limiter *rate.Limiter
}

// Options configures NewClient. Zero values fall back to defaults.
type Options struct {
	BaseURL           string
	Timeout           time.Duration
	MaxPages          int
	RequestsPerSecond float64
	Burst             int
}

// NewClient creates a Collector.
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 100
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Client{
		HTTP:      &http.Client{Timeout: opts.Timeout},
		BaseURL:   strings.TrimRight(opts.BaseURL, "/"),
		UserAgent: "retweet-roulette/1.0",
		Timeout:   opts.Timeout,
		MaxPages:  opts.MaxPages,
		limiter:   rate.NewLimiter(limit, opts.Burst),
	}
}

// Page is one page of retweeters.
type Page struct {
	Records []models.UserRecord
	// NextCursor is nil once the remote source has no more pages.
	NextCursor *string
}

type remoteUser struct {
	ID       remoteID `json:"id"`
	Name     string   `json:"name"`
	Username string   `json:"username,omitempty"`
}

// remoteID accepts an identifier encoded as either a JSON string or a number.
type remoteID string

func (id *remoteID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = remoteID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("remote id %s is neither a string nor a number", b)
	}
	*id = remoteID(n.String())
	return nil
}

type remoteProblem struct {
	Title   string `json:"title"`
	Detail  string `json:"detail"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (p remoteProblem) text() string {
	switch {
	case p.Detail != "":
		return p.Detail
	case p.Message != "":
		return p.Message
	default:
		return p.Title
	}
}

type retweetersResponse struct {
	Data []remoteUser `json:"data"`
	Meta *struct {
		ResultCount int    `json:"result_count"`
		NextToken   string `json:"next_token,omitempty"`
	} `json:"meta,omitempty"`
	Errors []remoteProblem `json:"errors,omitempty"`
	remoteProblem
}

// FetchPage issues one request for the retweeters of postID, starting at cursor
// when it is non-nil.
func (c *Client) FetchPage(ctx context.Context, postID, credential string, cursor *string) (Page, error) {
	if err := validate(postID, credential); err != nil {
		return Page{}, err
	}
	if err := c.wait(ctx); err != nil {
		return Page{}, err
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	q := url.Values{}
	q.Set("max_results", strconv.Itoa(pageSize))
	if cursor != nil && *cursor != "" {
		q.Set(cursorParam, *cursor)
	}
	endpoint := fmt.Sprintf("%s/tweets/%s/retweeted_by?%s", c.BaseURL, url.PathEscape(postID), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Page{}, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Accept", "application/json")
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Page{}, transportError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Page{}, transportError(ctx, err)
	}

	var decoded retweetersResponse
	decodeErr := json.Unmarshal(body, &decoded)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Page{}, statusError(resp, decoded, decodeErr == nil)
	}
	if decodeErr != nil {
		return Page{}, models.RemoteRequestError(http.StatusBadGateway, "malformed response from remote source", nil)
	}
	if len(decoded.Data) == 0 && len(decoded.Errors) > 0 {
		status := http.StatusBadGateway
		if strings.HasSuffix(decoded.Errors[0].Type, "resource-not-found") {
			status = http.StatusNotFound
		}
		return Page{}, models.RemoteRequestError(status, decoded.Errors[0].text(), nil)
	}

	page := Page{Records: make([]models.UserRecord, 0, len(decoded.Data))}
	for _, u := range decoded.Data {
		page.Records = append(page.Records, models.NewUserRecord(string(u.ID), u.Name))
	}
	if decoded.Meta != nil && decoded.Meta.NextToken != "" {
		next := decoded.Meta.NextToken
		page.NextCursor = &next
	}
	return page, nil
}

// CollectAll fetches every page of retweeters of postID.
func (c *Client) CollectAll(ctx context.Context, postID, credential string) ([]models.UserRecord, error) {
	return c.Collect(ctx, postID, credential, nil)
}

// Collect fetches pages starting at cursor until the remote source stops
// returning a next cursor. Records are returned in page order. Any page error
// aborts the collection and nothing gathered so far is returned.
func (c *Client) Collect(ctx context.Context, postID, credential string, cursor *string) ([]models.UserRecord, error) {
	if err := validate(postID, credential); err != nil {
		return nil, err
	}

	var all []models.UserRecord
	for pages := 0; ; pages++ {
		if pages >= c.MaxPages {
			logger.Warningf("retweeters of %s: gave up after %d pages", postID, pages)
			return nil, models.RemoteRequestError(http.StatusBadGateway,
				fmt.Sprintf("pagination did not finish within %d pages", c.MaxPages), nil)
		}

		page, err := c.FetchPage(ctx, postID, credential, cursor)
		if err != nil {
			return nil, fmt.Errorf("fetching page %d: %w", pages+1, err)
		}
		all = append(all, page.Records...)

		if page.NextCursor == nil {
			logger.Infof("retweeters of %s: %d records over %d pages", postID, len(all), pages+1)
			return all, nil
		}
		cursor = page.NextCursor
	}
}

func validate(postID, credential string) error {
	if strings.TrimSpace(postID) == "" {
		return models.ValidationError("post id is required")
	}
	if strings.TrimSpace(credential) == "" {
		return models.ValidationError("bearer token is required")
	}
	return nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		// Wait fails early, without DeadlineExceeded, when the next token
		// would arrive after the deadline.
		if _, ok := ctx.Deadline(); ok && !errors.Is(ctx.Err(), context.Canceled) {
			return models.RemoteRequestError(http.StatusGatewayTimeout, "remote request timed out waiting for the rate limiter", nil)
		}
		return transportError(ctx, err)
	}
	return nil
}

// statusError converts a non-2xx response into a RemoteRequestError.
func statusError(resp *http.Response, decoded retweetersResponse, parsed bool) error {
	message := http.StatusText(resp.StatusCode)
	if parsed {
		if len(decoded.Errors) > 0 && decoded.Errors[0].text() != "" {
			message = decoded.Errors[0].text()
		} else if text := decoded.remoteProblem.text(); text != "" {
			message = text
		}
	}
	if message == "" {
		message = fmt.Sprintf("remote request failed with status %d", resp.StatusCode)
	}

	var reset *time.Time
	if resp.StatusCode == http.StatusTooManyRequests {
		reset = parseReset(resp.Header.Get(rateResetHeader))
	}
	return models.RemoteRequestError(resp.StatusCode, message, reset)
}

// parseReset converts the Unix-seconds reset header into an absolute UTC instant.
func parseReset(v string) *time.Time {
	if v == "" {
		return nil
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return nil
	}
	t := time.Unix(secs, 0).UTC()
	return &t
}

func transportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return models.RemoteRequestError(http.StatusGatewayTimeout, "remote request timed out", nil)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.RemoteRequestError(http.StatusGatewayTimeout, "remote request timed out", nil)
	}
	return models.RemoteRequestError(0, err.Error(), nil)
}
