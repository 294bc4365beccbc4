// Package collyfetcher implements pipeline.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/fetchcache/internal/pipeline"
)

// ErrUnexpectedStatus is returned when the server answers with anything but 200.
var ErrUnexpectedStatus = errors.New("unexpected status code")

// ErrBodyTooLarge is returned when a response body exceeds Config.MaxBodyBytes.
var ErrBodyTooLarge = errors.New("response body too large")

// Config controls collector behavior.
type Config struct {
	UserAgent      string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	// MaxBodyBytes caps the response size; larger bodies fail the fetch
	// instead of being truncated. Zero means colly's default limit.
	MaxBodyBytes int
	Headers      http.Header
}

const (
	defaultConnectTimeout = 300 * time.Millisecond
	defaultRequestTimeout = 10 * time.Second
)

// Fetcher implements pipeline.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

var _ pipeline.Fetcher = (*Fetcher)(nil)

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

type fetchOutcome struct {
	status int
	body   []byte
	err    error
}

// New builds a Fetcher. The base collector owns the shared HTTP client, so
// transport and timeouts are set once here; every fetch runs on a clone.
func New(cfg Config) *Fetcher {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
	)
	c.IgnoreRobotsTxt = true
	if cfg.MaxBodyBytes > 0 {
		// One extra byte lets OnResponse tell a full body from a cut one.
		c.MaxBodySize = cfg.MaxBodyBytes + 1
	}
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.WithTransport(newHTTPTransport(cfg.ConnectTimeout))
	c.SetRequestTimeout(cfg.RequestTimeout)

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch GETs key and returns the body of a 200 response.
func (f *Fetcher) Fetch(ctx context.Context, key string) ([]byte, error) {
	target, err := TargetURL(key)
	if err != nil {
		return nil, err
	}

	var outcome fetchOutcome
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	f.configureCollectorHooks(collector, &outcome)

	if err := f.runCollector(ctx, collector, target, &outcome); err != nil {
		return nil, err
	}
	if outcome.status != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: %w: %d", target, ErrUnexpectedStatus, outcome.status)
	}
	return outcome.body, nil
}

// TargetURL turns a key into an absolute URL. Keys without a scheme are
// assumed to be HTTPS.
func TargetURL(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("empty key")
	}
	if !strings.Contains(key, "://") {
		key = "https://" + strings.TrimPrefix(key, "//")
	}
	return key, nil
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, outcome *fetchOutcome) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		outcome.status = r.StatusCode
		if limit := f.cfg.MaxBodyBytes; limit > 0 && len(r.Body) > limit {
			outcome.err = fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, limit)
			return
		}
		outcome.body = append([]byte(nil), r.Body...)
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		outcome.err = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, outcome *fetchOutcome) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if outcome.err != nil {
			return fmt.Errorf("colly response failed: %w", outcome.err)
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(r *colly.Request) {
	if f.cfg.Headers == nil {
		return
	}
	for key, values := range f.cfg.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport(connectTimeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
