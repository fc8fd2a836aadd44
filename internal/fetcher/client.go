package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"entsoe-watch/internal/series"
	"entsoe-watch/internal/timeslot"
	"entsoe-watch/internal/version"
)

const defaultBaseURL = "https://web-api.tp.entsoe.eu/api"

// Options parameterise the ENTSO-E client.
type Options struct {
	BaseURL        string
	APIKey         string
	UserAgent      string
	RequestTimeout time.Duration
	// FetchTimeout bounds one Fetch including retries and filter fan-out.
	FetchTimeout   time.Duration
	MaxConcurrency int64
	Location       *time.Location
	Retry          Policy
	Sleeper        Sleeper
	Rand           func() float64
}

// Client fetches and normalises ENTSO-E transparency documents.
type Client struct {
	opts    Options
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	sem     *semaphore.Weighted
}

// New constructs an ENTSO-E client.
func New(opts Options, logger zerolog.Logger) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 2 * time.Minute
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 4
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Sleeper == nil {
		opts.Sleeper = Sleep
	}
	opts.Retry = opts.Retry.withDefaults()

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Client{
		opts:    opts,
		logger:  logger.With().Str("component", "entsoe_fetcher").Logger(),
		client:  &http.Client{Timeout: opts.RequestTimeout},
		baseURL: baseURL,
		sem:     semaphore.NewWeighted(opts.MaxConcurrency),
	}
}

// Location returns the market time zone used for delivery days.
func (c *Client) Location() *time.Location {
	return c.opts.Location
}

// Fetch retrieves q for date. Filtered queries issue one call per filter value and
// merge the results by summing.
func (c *Client) Fetch(ctx context.Context, q Query, date timeslot.Date) (series.Series, error) {
	if _, err := NewQuery(q); err != nil {
		return series.Series{}, &UpstreamError{Kind: ErrUpstreamRejected, Message: "invalid query", Err: err}
	}
	if strings.TrimSpace(c.opts.APIKey) == "" {
		return series.Series{}, &UpstreamError{Kind: ErrUpstreamRejected, Message: "api key not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	defer cancel()

	filters := q.Filters()
	if len(filters) == 0 {
		return c.fetchOne(ctx, q, date, "")
	}

	parts := make([]series.Series, 0, len(filters))
	var noData error
	for _, filter := range filters {
		s, err := c.fetchOne(ctx, q, date, filter)
		if errors.Is(err, ErrNoDataYet) {
			// an absent category contributes zeros
			noData = err
			continue
		}
		if err != nil {
			return series.Series{}, fmt.Errorf("filter %s: %w", filter, err)
		}
		parts = append(parts, s)
	}
	if len(parts) == 0 {
		return series.Series{}, noData
	}
	return MergeSum(strings.Join(filters, ","), parts)
}

func (c *Client) fetchOne(ctx context.Context, q Query, date timeslot.Date, filter string) (series.Series, error) {
	params := q.params(filter)
	start, end := periodWindow(date, c.opts.Location)
	params.Set("periodStart", start)
	params.Set("periodEnd", end)

	fetchID := uuid.NewString()
	logger := c.logger.With().
		Str("fetch_id", fetchID).
		Str("dataset", string(q.Dataset())).
		Str("date", date.String()).
		Logger()
	if filter != "" {
		logger = logger.With().Str("filter", filter).Logger()
	}

	var out series.Series
	began := time.Now()
	res, err := Retry(ctx, c.opts.Retry, c.opts.Sleeper, c.opts.Rand, classify, func(ctx context.Context, attempt int) error {
		s, err := c.attempt(ctx, q, date, filter, params)
		if err != nil {
			var upErr *UpstreamError
			if !errors.As(err, &upErr) {
				logger.Warn().Err(err).Int("attempt", attempt).Msg("upstream attempt failed")
			}
			return err
		}
		out = s
		return nil
	})
	if err != nil {
		var upErr *UpstreamError
		switch {
		case errors.As(err, &upErr):
			upErr.Attempts = res.Attempts
			upErr.Params = sanitize(params)
			logger.Info().Err(err).Int("attempts", res.Attempts).Msg("upstream fetch ended without data")
			return series.Series{}, upErr
		case res.Exhausted:
			logger.Error().Err(err).Int("attempts", res.Attempts).Msg("upstream retries exhausted")
			return series.Series{}, &UpstreamError{
				Kind:     ErrUpstreamUnavailable,
				Attempts: res.Attempts,
				Params:   sanitize(params),
				Err:      err,
			}
		case res.Attempts > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded):
			logger.Error().Err(err).Int("attempts", res.Attempts).Msg("upstream fetch timed out")
			return series.Series{}, &UpstreamError{
				Kind:     ErrUpstreamUnavailable,
				Message:  "fetch timeout",
				Attempts: res.Attempts,
				Params:   sanitize(params),
				Err:      err,
			}
		default:
			return series.Series{}, fmt.Errorf("fetch %s: %w", q.Dataset(), err)
		}
	}

	logger.Debug().
		Int("attempts", res.Attempts).
		Int("points", len(out.Points)).
		Int("resolution", out.ResolutionMinutes).
		Dur("elapsed", time.Since(began)).
		Msg("upstream fetch complete")
	return out, nil
}

func (c *Client) attempt(ctx context.Context, q Query, date timeslot.Date, filter string, params url.Values) (series.Series, error) {
	status, header, payload, err := c.do(ctx, params)
	if err != nil {
		return series.Series{}, err
	}

	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return series.Series{}, &transientError{status: status, message: snippet(payload), retryAfter: header.Get("Retry-After")}
	case status != http.StatusOK:
		return series.Series{}, rejection(status, payload)
	}

	doc, err := decodeDocument(payload)
	if err != nil {
		return series.Series{}, &transientError{message: "malformed payload", err: err}
	}
	if doc.isAcknowledgement() || len(doc.TimeSeries) == 0 {
		code, text := doc.reason()
		if code == "" || code == reasonNoData || !doc.isAcknowledgement() {
			return series.Series{}, &UpstreamError{Kind: ErrNoDataYet, Status: status, Code: code, Message: text}
		}
		return series.Series{}, &UpstreamError{Kind: ErrUpstreamRejected, Status: status, Code: code, Message: text}
	}

	points, resolution, err := normalize(doc, q.Dataset(), date, c.opts.Location)
	if err != nil {
		return series.Series{}, &transientError{message: "malformed payload", err: err}
	}
	if len(points) == 0 {
		return series.Series{}, &UpstreamError{Kind: ErrNoDataYet, Status: status, Message: "no points inside delivery day"}
	}

	zoneIn, zoneOut := q.Zones()
	s := series.Series{
		Dataset:           q.Dataset(),
		ZoneIn:            zoneIn,
		ZoneOut:           zoneOut,
		Date:              date,
		ResolutionMinutes: resolution,
		Filter:            filter,
		Points:            points,
		Provenance:        series.ProvenanceUpstream,
	}
	if np, ok := q.(NetPosition); ok {
		s = applySign(s, np.Sign)
	}

	if requiresComplete(q.Dataset()) {
		complete, err := s.Complete(c.opts.Location)
		if err != nil {
			return series.Series{}, err
		}
		if !complete {
			count, _ := timeslot.SlotCount(date, c.opts.Location, resolution)
			return series.Series{}, &transientError{
				message: fmt.Sprintf("%d of %d positions", len(points), count),
				err:     errIncomplete,
			}
		}
	}
	return s, nil
}

func (c *Client) do(ctx context.Context, params url.Values) (int, http.Header, []byte, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return 0, nil, nil, err
	}
	defer c.sem.Release(1)

	query := url.Values{}
	for k, v := range params {
		query[k] = v
	}
	query.Set("securityToken", c.opts.APIKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+query.Encode(), nil)
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("Accept", "application/xml")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", version.UserAgent())
	}

	resp, err := c.client.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			urlErr.URL = c.baseURL + "?" + params.Encode()
		}
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, &transientError{status: resp.StatusCode, message: "read body", err: err}
	}
	return resp.StatusCode, resp.Header, payload, nil
}

// classify marks transport failures, 429/5xx and malformed payloads as retryable.
func classify(err error) (bool, time.Duration) {
	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		return false, 0
	}
	if errors.Is(err, context.Canceled) {
		return false, 0
	}
	var tErr *transientError
	if errors.As(err, &tErr) {
		return true, parseRetryAfter(tErr.retryAfter)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true, 0
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true, 0
	}
	return false, 0
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// rejection maps a non-retryable HTTP status. An acknowledgement carrying the
// no-data reason is reported as ErrNoDataYet whatever the status.
func rejection(status int, payload []byte) error {
	if doc, err := decodeDocument(payload); err == nil && doc.isAcknowledgement() {
		code, text := doc.reason()
		if code == reasonNoData {
			return &UpstreamError{Kind: ErrNoDataYet, Status: status, Code: code, Message: text}
		}
		return &UpstreamError{Kind: ErrUpstreamRejected, Status: status, Code: code, Message: text}
	}
	return &UpstreamError{Kind: ErrUpstreamRejected, Status: status, Message: snippet(payload)}
}

func applySign(s series.Series, sign SignConvention) series.Series {
	conv, _ := ParseSignConvention(string(sign))
	s.SignConvention = string(conv)
	if conv != SignInverted {
		return s
	}
	points := make([]series.Point, len(s.Points))
	for i, p := range s.Points {
		p.Value = -p.Value
		points[i] = p
	}
	s.Points = points
	return s
}

func sanitize(params url.Values) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		if strings.EqualFold(k, "securityToken") || len(v) == 0 {
			continue
		}
		out[k] = v[0]
	}
	return out
}

func snippet(payload []byte) string {
	s := strings.TrimSpace(string(payload))
	if len(s) > 256 {
		s = s[:256] + "..."
	}
	return s
}

var _ SeriesFetcher = (*Client)(nil)
