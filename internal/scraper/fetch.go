package scraper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"

	"ranktracker/internal/config"
	"ranktracker/internal/constants"
	"ranktracker/internal/domain"
)

// ErrNoEntries signals that a fetch succeeded but extraction produced nothing,
// usually meaning the upstream markup drifted again.
var ErrNoEntries = errors.New("no leaderboard entries extracted")

// FetchError covers network failures, timeouts and non-2xx responses from the
// upstream leaderboard page. Always recoverable: the coordinator degrades to
// the persisted snapshot instead of surfacing it.
type FetchError struct {
	Region domain.Region
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: upstream status %d", e.Region, e.Status)
	}
	return fmt.Sprintf("fetch %s: %v", e.Region, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// The upstream rejects requests that look automated, so the client presents a
// regular desktop browser header set.
const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"

type Client struct {
	cfg    *config.Config
	client *fasthttp.Client
}

func NewClient(cfg *config.Config) *Client {
	return &Client{
		cfg: cfg,
		client: &fasthttp.Client{
			MaxConnsPerHost:     8,
			ReadTimeout:         constants.FetchTimeout,
			WriteTimeout:        constants.FetchTimeout,
			MaxIdleConnDuration: 1 * time.Minute,
		},
	}
}

// Fetch issues a single GET for one region's leaderboard page and returns the
// raw markup. No retries: a failed region simply waits for the next scheduled
// cycle rather than hammering an upstream that is already struggling.
func (c *Client) Fetch(ctx context.Context, region domain.Region) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.cfg.RegionURL(region))
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.SetUserAgent(userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Cache-Control", "no-cache")

	deadline := time.Now().Add(constants.FetchTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, &FetchError{Region: region, Err: err}
	}

	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return nil, &FetchError{Region: region, Status: resp.StatusCode()}
	}

	// resp.Body() is pooled, copy before release
	body := make([]byte, len(resp.Body()))
	copy(body, resp.Body())
	return body, nil
}
