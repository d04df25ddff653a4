// Package transport issues single JSON requests against the control server
// and keeps track of the outstanding ones so they can be cancelled.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/rmbt-control/internal/metrics"
	"github.com/m-lab/rmbt-control/pkg/control/spec"
)

// externalEndpoint is the metrics label of requests with an absolute URL.
const externalEndpoint = "external"

// Request describes a single exchange.
type Request struct {
	// Method is the HTTP method. Defaults to POST.
	Method string
	// Path is resolved against the current base URL.
	Path string
	// URL, if set, is used verbatim instead of Path.
	URL string
	// Body is serialized as JSON. A nil Body sends no body.
	Body any
}

func (r Request) endpoint() string {
	if r.URL != "" {
		return externalEndpoint
	}
	return r.Path
}

// Config is the configuration for a Transport.
type Config struct {
	// Client is the HTTP client used for every request. Defaults to a client
	// with spec.DefaultRequestTimeout.
	Client *http.Client
	// BaseURL returns the URL relative paths are resolved against. It is
	// called once per request, so it can change between requests.
	BaseURL func() *url.URL
	// UserAgent is sent with every request.
	UserAgent string
	// Logger defaults to log.Default().
	Logger *log.Logger
}

// Transport performs requests and tracks the pending ones.
type Transport struct {
	client    *http.Client
	baseURL   func() *url.URL
	userAgent string
	logger    *log.Logger

	mu      sync.Mutex
	pending map[uint64]*Pending
	nextID  uint64
}

// New returns a Transport for the given config. It panics if BaseURL is nil.
func New(config Config) *Transport {
	if config.BaseURL == nil {
		panic("transport: BaseURL must be non-nil")
	}
	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: spec.DefaultRequestTimeout}
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Transport{
		client:    client,
		baseURL:   config.BaseURL,
		userAgent: config.UserAgent,
		logger:    logger,
		pending:   map[uint64]*Pending{},
	}
}

// Perform registers a new pending request and starts it in the background.
// The returned handle is registered before Perform returns, so a CancelAll
// that happens after Perform always reaches it.
func (t *Transport) Perform(ctx context.Context, req Request) *Pending {
	if req.Method == "" {
		req.Method = http.MethodPost
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &Pending{
		Request: req,
		t:       t,
		cancel:  cancel,
		done:    make(chan struct{}),
		start:   time.Now(),
	}
	t.mu.Lock()
	t.nextID++
	p.ID = t.nextID
	t.pending[p.ID] = p
	t.mu.Unlock()

	go func() {
		body, err := t.do(ctx, req)
		switch {
		case err == nil:
			p.finish(stateSucceeded, body, nil)
		case KindOf(err) == KindCancelled:
			p.finish(stateCancelled, nil, err)
		default:
			p.finish(stateFailed, nil, err)
		}
	}()
	return p
}

// Cancel cancels p. It is a no-op if p has already completed.
func (t *Transport) Cancel(p *Pending) {
	p.Cancel()
}

// CancelAll cancels every outstanding request. It never blocks on the
// requests themselves.
func (t *Transport) CancelAll() {
	t.mu.Lock()
	all := make([]*Pending, 0, len(t.pending))
	for _, p := range t.pending {
		all = append(all, p)
	}
	t.mu.Unlock()

	if len(all) > 0 {
		t.logger.Debug("cancelling all requests", "count", len(all))
	}
	for _, p := range all {
		p.Cancel()
	}
}

// Outstanding returns the number of requests that have not completed yet.
func (t *Transport) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Transport) forget(p *Pending) {
	t.mu.Lock()
	delete(t.pending, p.ID)
	t.mu.Unlock()
}

// resolve returns the absolute URL for req.
func (t *Transport) resolve(req Request) (string, error) {
	if req.URL != "" {
		u, err := url.Parse(req.URL)
		if err != nil {
			return "", err
		}
		if !u.IsAbs() {
			return "", errors.New("endpoint override must be an absolute URL")
		}
		return u.String(), nil
	}
	base := t.baseURL()
	if base == nil {
		return "", errors.New("no base URL available")
	}
	ref, err := url.Parse(req.Path)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

func (t *Transport) do(ctx context.Context, req Request) ([]byte, error) {
	URL, err := t.resolve(req)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Method: req.Method, URL: req.Path, Err: err}
	}

	var reader io.Reader
	if req.Body != nil {
		rawreqbody, err := json.Marshal(req.Body)
		if err != nil {
			return nil, &Error{Kind: KindDecode, Method: req.Method, URL: URL, Err: err}
		}
		t.logger.Debug("request", "method", req.Method, "url", URL, "body", string(rawreqbody))
		reader = bytes.NewReader(rawreqbody)
	} else {
		t.logger.Debug("request", "method", req.Method, "url", URL)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, URL, reader)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Method: req.Method, URL: URL, Err: err}
	}
	httpReq.Header.Set("Accept", "application/json")
	if reader != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if t.userAgent != "" {
		httpReq.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, classify(req.Method, URL, err)
	}
	defer resp.Body.Close()

	rawrespbody, err := io.ReadAll(io.LimitReader(resp.Body, spec.MaxResponseSize))
	if err != nil {
		return nil, classify(req.Method, URL, err)
	}
	t.logger.Debug("response", "url", URL, "status", resp.StatusCode, "size", len(rawrespbody))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{
			Kind:       KindServer,
			Method:     req.Method,
			URL:        URL,
			StatusCode: resp.StatusCode,
			Messages:   serverMessages(rawrespbody),
		}
	}
	// The control server reports most failures with a success status and a
	// non-empty error array.
	if msgs := serverMessages(rawrespbody); len(msgs) > 0 {
		return nil, &Error{
			Kind:       KindServer,
			Method:     req.Method,
			URL:        URL,
			StatusCode: resp.StatusCode,
			Messages:   msgs,
		}
	}
	return rawrespbody, nil
}

// classify categorizes an error returned by the HTTP client. Deadlines are
// transport failures; only an explicit cancellation is KindCancelled.
func classify(method, URL string, err error) error {
	kind := KindTransport
	if errors.Is(err, context.Canceled) {
		kind = KindCancelled
	}
	return &Error{Kind: kind, Method: method, URL: URL, Err: err}
}

// Decode unmarshals a response body into T, categorizing failures as
// KindDecode.
func Decode[T any](body []byte) (T, error) {
	var out T
	if err := json.Unmarshal(body, &out); err != nil {
		var zero T
		return zero, &Error{Kind: KindDecode, Err: err}
	}
	return out, nil
}

func recordOutcome(p *Pending, s state) {
	outcome := "success"
	if s != stateSucceeded {
		outcome = KindOf(p.err).String()
	}
	metrics.ClientRequests.WithLabelValues(p.Request.endpoint(), outcome).Inc()
	metrics.ClientRequestDuration.WithLabelValues(p.Request.endpoint()).Observe(
		time.Since(p.start).Seconds())
}
