// Package control implements a client for the RMBT control server: identity
// bootstrap, settings negotiation, test parameters, history, sync codes and
// result submission.
//
// Every operation is synchronous and returns exactly one outcome. Identity
// gated operations first obtain a client UUID through a settings request if
// none is known; concurrent operations share a single bootstrap request.
package control

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	v2 "github.com/m-lab/locate/api/v2"
	"github.com/m-lab/rmbt-control/internal/metrics"
	"github.com/m-lab/rmbt-control/internal/transport"
	"github.com/m-lab/rmbt-control/pkg/control/model"
	"github.com/m-lab/rmbt-control/pkg/control/spec"
	"github.com/m-lab/rmbt-control/pkg/version"
	"golang.org/x/sync/singleflight"
)

const libraryName = "rmbt-control"

var (
	// ErrNoTargets is returned if the Locator returned no usable control server.
	ErrNoTargets = errors.New("no targets available")

	libraryVersion = version.Version
)

// Locator is an interface used to get a list of available servers.
type Locator interface {
	Nearest(ctx context.Context, service string) ([]v2.Target, error)
}

// Client is a client for the RMBT control server.
type Client struct {
	// ClientName is the name of the client sent to the server as part of the user-agent.
	ClientName string
	// ClientVersion is the version of the client, sent as part of the
	// user-agent and as the version name in client metadata.
	ClientVersion string

	config    Config
	store     *Store
	transport *transport.Transport
	emitter   Emitter
	logger    *log.Logger

	// bootstrap deduplicates concurrent identity bootstraps.
	bootstrap singleflight.Group

	// cancelGen is incremented by CancelAllRequests, under rootMu.
	// Operations started before an increment never dispatch their next step.
	cancelGen atomic.Uint64

	// rootCtx is the context of requests that are not owned by a single
	// caller, i.e. the shared bootstrap. CancelAllRequests replaces it.
	rootMu     sync.Mutex
	rootCtx    context.Context
	rootCancel context.CancelFunc

	locateMu sync.Mutex
	located  bool
}

// makeUserAgent creates the user agent string.
func makeUserAgent(clientName, clientVersion string) string {
	return clientName + "/" + clientVersion + " " + libraryName + "/" + libraryVersion
}

// New returns a new Client with the provided client name, version and config.
// It panics if clientName or clientVersion are empty, or if config.BaseURL
// is not a valid absolute URL.
func New(clientName, clientVersion string, config Config) *Client {
	if clientName == "" || clientVersion == "" {
		panic("client name and version must be non-empty")
	}
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = spec.DefaultBaseURL
	}
	fallback, err := url.Parse(baseURL)
	if err != nil || !fallback.IsAbs() {
		panic(fmt.Sprintf("invalid base URL %q", baseURL))
	}

	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}
	emitter := config.Emitter
	if emitter == nil {
		emitter = Discard{}
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: spec.DefaultRequestTimeout}
	}

	store := NewStore(fallback, config.UUID)
	c := &Client{
		ClientName:    clientName,
		ClientVersion: clientVersion,

		config:  config,
		store:   store,
		emitter: emitter,
		logger:  logger,
		transport: transport.New(transport.Config{
			Client:    httpClient,
			BaseURL:   store.BaseURL,
			UserAgent: makeUserAgent(clientName, clientVersion),
			Logger:    logger,
		}),
		located: config.BaseURL != "" || config.Locator == nil,
	}
	c.rootCtx, c.rootCancel = context.WithCancel(context.Background())
	return c
}

// Store returns the client's identity and settings store.
func (c *Client) Store() *Store {
	return c.store
}

// UUID returns the client identity, or "" if none is known yet.
func (c *Client) UUID() string {
	return c.store.UUID()
}

// BaseURL returns the control server URL requests are sent to.
func (c *Client) BaseURL() *url.URL {
	return c.store.BaseURL()
}

// Capabilities returns the capabilities advertised by the control server.
func (c *Client) Capabilities() model.Capabilities {
	return c.store.Capabilities()
}

// HistoryFilters returns the history filter vocabulary.
func (c *Client) HistoryFilters() map[string][]string {
	return c.store.HistoryFilters()
}

// QoSTestNames returns the mapping of QoS test kinds to display names.
func (c *Client) QoSTestNames() map[string]string {
	return c.store.QoSTestNames()
}

// UpdateWithCurrentSettings re-derives the exposed name mappings from the
// latest settings. It never accesses the network.
func (c *Client) UpdateWithCurrentSettings() {
	c.store.UpdateWithCurrentSettings()
}

// CancelAllRequests cancels every outstanding request, including a shared
// identity bootstrap. Operations waiting on a cancelled step complete with
// ErrCancelled; steps that were not issued yet are never issued. It does
// not block.
func (c *Client) CancelAllRequests() {
	c.rootMu.Lock()
	c.cancelGen.Add(1)
	c.rootCancel()
	c.rootCtx, c.rootCancel = context.WithCancel(context.Background())
	c.rootMu.Unlock()
	c.transport.CancelAll()
	c.logger.Debug("all requests cancelled")
}

func (c *Client) clientInfo() model.ClientInfo {
	info := model.ClientInfo{
		Name:        spec.ClientName,
		Type:        c.config.Type,
		Platform:    c.config.Platform,
		OSVersion:   c.config.OSVersion,
		Model:       c.config.Model,
		VersionName: c.ClientVersion,
		VersionCode: c.config.VersionCode,
		Language:    c.config.Language,
		Timezone:    c.config.Timezone,
	}
	if info.Type == "" {
		info.Type = spec.DefaultClientType
	}
	if info.Platform == "" {
		info.Platform = runtime.GOOS
	}
	return info
}

// invocation is a single operation run by a Client.
type invocation struct {
	*operation
	gen uint64
}

func (c *Client) newInvocation(name string) *invocation {
	return &invocation{
		operation: newOperation(name, c.emitter, c.logger),
		gen:       c.cancelGen.Load(),
	}
}

// cancelled returns true if CancelAllRequests was called after inv started.
func (c *Client) cancelled(inv *invocation) bool {
	return c.cancelGen.Load() != inv.gen
}

func cancelledError(op string) error {
	return &transport.Error{Kind: transport.KindCancelled, Err: fmt.Errorf("%s: %w", op, context.Canceled)}
}

// contextError categorizes the error of an expired context.
func contextError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &transport.Error{Kind: transport.KindTransport, Err: ctx.Err()}
	}
	return &transport.Error{Kind: transport.KindCancelled, Err: ctx.Err()}
}

// dispatch issues req on behalf of inv and waits for its outcome.
func (c *Client) dispatch(ctx context.Context, inv *invocation, req transport.Request) ([]byte, error) {
	if c.cancelled(inv) {
		return nil, cancelledError(inv.name)
	}
	if err := inv.transition(StateDispatched); err != nil {
		return nil, err
	}
	endpoint := req.Path
	if req.URL != "" {
		endpoint = req.URL
	}
	c.emitter.OnDispatch(inv.name, endpoint)
	p := c.transport.Perform(ctx, req)
	// A CancelAllRequests racing with Perform may have missed p.
	if c.cancelled(inv) {
		p.Cancel()
	}
	return p.Wait(ctx)
}

// gate returns the client identity, bootstrapping it first if needed.
func (c *Client) gate(ctx context.Context, inv *invocation) (string, error) {
	if uuid := c.store.UUID(); uuid != "" {
		return uuid, nil
	}
	if err := inv.transition(StateBootstrapping); err != nil {
		return "", err
	}
	if _, err := c.sharedSettings(ctx, inv); err != nil {
		switch {
		case transport.KindOf(err) == transport.KindCancelled:
			// A cancelled bootstrap cancels the operation itself.
			return "", err
		case ctx.Err() != nil:
			return "", contextError(ctx)
		}
		return "", &BootstrapError{Err: err}
	}
	uuid := c.store.UUID()
	if uuid == "" {
		return "", &BootstrapError{Err: &transport.Error{Kind: transport.KindServer, Err: ErrNoIdentity}}
	}
	return uuid, nil
}

// rootFor returns the root context, unless CancelAllRequests was called
// after inv started.
func (c *Client) rootFor(inv *invocation) (context.Context, bool) {
	c.rootMu.Lock()
	defer c.rootMu.Unlock()
	return c.rootCtx, c.cancelGen.Load() == inv.gen
}

// sharedSettings joins the settings request that obtains the client
// identity, starting it if needed. Operations started between two calls to
// CancelAllRequests share one request. It returns nil settings if the
// identity was obtained before the request was issued.
func (c *Client) sharedSettings(ctx context.Context, inv *invocation) (*model.Settings, error) {
	bootstrapCtx, ok := c.rootFor(inv)
	if !ok {
		return nil, cancelledError(inv.name)
	}
	gen := inv.gen
	ch := c.bootstrap.DoChan(fmt.Sprintf("settings/%d", gen), func() (interface{}, error) {
		if c.store.UUID() != "" {
			return (*model.Settings)(nil), nil
		}
		if c.cancelGen.Load() != gen {
			return nil, cancelledError("bootstrap")
		}
		c.emitter.OnDebug("no client identity, fetching settings")
		settings, err := c.fetchSettings(bootstrapCtx)
		outcome := "success"
		if err != nil {
			outcome = KindOf(err).String()
		}
		metrics.Bootstraps.WithLabelValues(outcome).Inc()
		return settings, err
	})

	select {
	case res := <-ch:
		if c.cancelled(inv) {
			return nil, cancelledError(inv.name)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		settings, _ := res.Val.(*model.Settings)
		if settings == nil {
			return nil, nil
		}
		// Every waiter gets its own copy.
		out := *settings
		return &out, nil
	case <-ctx.Done():
		return nil, contextError(ctx)
	}
}

// fetchSettings requests the settings and applies them to the store.
func (c *Client) fetchSettings(ctx context.Context) (*model.Settings, error) {
	if err := c.maybeLocate(ctx); err != nil {
		return nil, err
	}
	req := model.SettingsRequest{
		ClientInfo:                 c.clientInfo(),
		UUID:                       c.store.UUID(),
		TermsAndConditionsAccepted: true,
	}
	body, err := c.transport.Perform(ctx, transport.Request{
		Path: spec.SettingsPath,
		Body: req,
	}).Wait(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := transport.Decode[model.SettingsResponse](body)
	if err != nil {
		return nil, err
	}
	if len(resp.Settings) == 0 {
		return nil, decodeError(ErrEmptySettings)
	}
	settings := resp.Settings[0]
	snap, err := snapshotFromSettings(settings)
	if err != nil {
		return nil, decodeError(err)
	}
	if snap.UUID == "" && c.store.UUID() == "" {
		return nil, &transport.Error{Kind: transport.KindServer, Err: ErrNoIdentity}
	}
	c.store.ApplySettings(snap)
	c.logger.Info("settings applied", "uuid", c.store.UUID(),
		"base_url", c.store.BaseURL(), "qos_tests", len(snap.QoSTestNames))
	return &settings, nil
}

// maybeLocate queries the Locator for a control server, once.
func (c *Client) maybeLocate(ctx context.Context) error {
	c.locateMu.Lock()
	defer c.locateMu.Unlock()
	if c.located {
		return nil
	}
	targets, err := c.config.Locator.Nearest(ctx, spec.ServiceName)
	if err != nil {
		kind := transport.KindTransport
		if errors.Is(err, context.Canceled) {
			kind = transport.KindCancelled
		}
		return &transport.Error{Kind: kind, Err: fmt.Errorf("locate: %w", err)}
	}
	for _, t := range targets {
		u, err := url.Parse(t.URLs[spec.LocateURLKey])
		if err != nil || !u.IsAbs() {
			continue
		}
		c.store.SetFallbackURL(u)
		c.located = true
		c.logger.Info("using control server from locate", "url", u, "machine", t.Machine)
		return nil
	}
	return &transport.Error{Kind: transport.KindTransport, Err: ErrNoTargets}
}

// run executes an identity-gated operation: gate, build the request,
// dispatch it, decode the response.
func run[T any](ctx context.Context, c *Client, name string,
	build func(uuid string) (transport.Request, error),
	decode func(body []byte) (T, error)) (T, error) {
	var zero T
	inv := c.newInvocation(name)
	uuid, err := c.gate(ctx, inv)
	if err != nil {
		return zero, inv.finish(err)
	}
	req, err := build(uuid)
	if err != nil {
		return zero, inv.finish(err)
	}
	body, err := c.dispatch(ctx, inv, req)
	if err != nil {
		return zero, inv.finish(err)
	}
	out, err := decode(body)
	if err != nil {
		return zero, inv.finish(err)
	}
	return out, inv.finish(nil)
}

// GetSettings fetches the settings and applies them before returning. It
// registers the client if it has no identity yet.
func (c *Client) GetSettings(ctx context.Context) (*model.Settings, error) {
	inv := c.newInvocation("getSettings")
	if err := inv.transition(StateDispatched); err != nil {
		return nil, err
	}
	c.emitter.OnDispatch(inv.name, spec.SettingsPath)
	var settings *model.Settings
	var err error
	if c.store.UUID() == "" {
		// Registers the client along with concurrent gated operations.
		settings, err = c.sharedSettings(ctx, inv)
	}
	if err == nil && settings == nil {
		if c.cancelled(inv) {
			return nil, inv.finish(cancelledError(inv.name))
		}
		settings, err = c.fetchSettings(ctx)
	}
	if err != nil {
		return nil, inv.finish(err)
	}
	return settings, inv.finish(nil)
}

// GetNews returns the news newer than lastNewsUID.
func (c *Client) GetNews(ctx context.Context, lastNewsUID int64) ([]model.News, error) {
	return run(ctx, c, "getNews",
		func(uuid string) (transport.Request, error) {
			return transport.Request{
				Path: spec.NewsPath,
				Body: model.NewsRequest{
					UUID:        uuid,
					Language:    c.config.Language,
					Platform:    c.clientInfo().Platform,
					VersionCode: c.config.VersionCode,
					LastNewsUID: lastNewsUID,
				},
			}, nil
		},
		func(body []byte) ([]model.News, error) {
			resp, err := transport.Decode[model.NewsResponse](body)
			if err != nil {
				return nil, err
			}
			if resp.News == nil {
				resp.News = []model.News{}
			}
			return resp.News, nil
		})
}

// GetRoamingStatus returns true if the client is outside its home country.
func (c *Client) GetRoamingStatus(ctx context.Context, params model.RoamingRequest) (bool, error) {
	return run(ctx, c, "getRoamingStatus",
		func(uuid string) (transport.Request, error) {
			params.UUID = uuid
			return transport.Request{Path: spec.RoamingStatusPath, Body: params}, nil
		},
		func(body []byte) (bool, error) {
			resp, err := transport.Decode[model.RoamingResponse](body)
			if err != nil {
				return false, err
			}
			return !resp.HomeCountry, nil
		})
}

// TestParamsRequest is the caller-supplied part of a test parameters request.
type TestParamsRequest struct {
	// TestCounter is the number of tests run by this client so far.
	TestCounter int
	// PreviousTestStatus is the outcome of the previous test, if any.
	PreviousTestStatus string
	// Location is the client's position, if known.
	Location *model.Location
}

// GetTestParams returns the parameters for the next measurement. The
// parameters are not retained by the client.
func (c *Client) GetTestParams(ctx context.Context, params TestParamsRequest) (*model.TestParams, error) {
	return run(ctx, c, "getTestParams",
		func(uuid string) (transport.Request, error) {
			return transport.Request{
				Path: spec.TestRequestPath,
				Body: model.TestRequest{
					ClientInfo:         c.clientInfo(),
					UUID:               uuid,
					TestCounter:        params.TestCounter,
					PreviousTestStatus: params.PreviousTestStatus,
					Location:           params.Location,
					Time:               time.Now().UnixMilli(),
				},
			}, nil
		},
		func(body []byte) (*model.TestParams, error) {
			tp, err := transport.Decode[model.TestParams](body)
			if err != nil {
				return nil, err
			}
			return &tp, nil
		})
}

// GetQoSParams returns the QoS sub-tests to run. A server that has no QoS
// tests configured yields an empty, non-nil set of objectives.
func (c *Client) GetQoSParams(ctx context.Context) (*model.QoSParams, error) {
	return run(ctx, c, "getQoSParams",
		func(uuid string) (transport.Request, error) {
			return transport.Request{
				Path: spec.QoSTestRequestPath,
				Body: model.QoSRequest{ClientInfo: c.clientInfo(), UUID: uuid},
			}, nil
		},
		func(body []byte) (*model.QoSParams, error) {
			params, err := transport.Decode[model.QoSParams](body)
			if err != nil {
				return nil, err
			}
			if params.Objectives == nil {
				params.Objectives = map[string][]model.QoSObjective{}
			}
			return &params, nil
		})
}

// GetHistory returns up to length previous results starting at offset,
// restricted by filters. Pages are not cached: every call reaches the server.
// Negative values of length and offset are treated as zero.
func (c *Client) GetHistory(ctx context.Context, filters map[string][]string, length, offset int) ([]model.HistoryItem, error) {
	return run(ctx, c, "getHistory",
		func(uuid string) (transport.Request, error) {
			return transport.Request{
				Path: spec.HistoryPath,
				Body: model.HistoryRequest{
					UUID:    uuid,
					Filters: filters,
					Length:  max(length, 0),
					Offset:  max(offset, 0),
				},
			}, nil
		},
		func(body []byte) ([]model.HistoryItem, error) {
			resp, err := transport.Decode[model.HistoryResponse](body)
			if err != nil {
				return nil, err
			}
			if resp.History == nil {
				resp.History = []model.HistoryItem{}
			}
			return resp.History, nil
		})
}

// GetHistoryResult returns a single test result: its summary, or its full
// details if fullDetails is true.
func (c *Client) GetHistoryResult(ctx context.Context, testUUID string, fullDetails bool) (*model.HistoryResult, error) {
	path := spec.TestResultPath
	if fullDetails {
		path = spec.TestResultDetailPath
	}
	return run(ctx, c, "getHistoryResult",
		func(uuid string) (transport.Request, error) {
			return transport.Request{Path: path, Body: c.historyResultRequest(uuid, testUUID)}, nil
		},
		func(body []byte) (*model.HistoryResult, error) {
			r, err := transport.Decode[model.HistoryResult](body)
			if err != nil {
				return nil, err
			}
			return &r, nil
		})
}

// GetHistoryQoSResult returns the QoS results of a test.
func (c *Client) GetHistoryQoSResult(ctx context.Context, testUUID string) (*model.QoSResult, error) {
	return run(ctx, c, "getHistoryQoSResult",
		func(uuid string) (transport.Request, error) {
			return transport.Request{
				Path: spec.QoSTestResultPath,
				Body: c.historyResultRequest(uuid, testUUID),
			}, nil
		},
		func(body []byte) (*model.QoSResult, error) {
			r, err := transport.Decode[model.QoSResult](body)
			if err != nil {
				return nil, err
			}
			return &r, nil
		})
}

// GetHistoryOpenDataResult returns the open data record of a test from the
// statistics server advertised in the settings.
func (c *Client) GetHistoryOpenDataResult(ctx context.Context, openUUID string) (model.OpenTestResult, error) {
	return run(ctx, c, "getHistoryOpenDataResult",
		func(string) (transport.Request, error) {
			stats := c.store.StatsURL()
			if stats == nil {
				return transport.Request{}, &transport.Error{Kind: transport.KindServer, Err: ErrNoStatsURL}
			}
			ref := &url.URL{Path: spec.OpenTestsPath + url.PathEscape(openUUID)}
			return transport.Request{
				Method: http.MethodGet,
				URL:    stats.ResolveReference(ref).String(),
			}, nil
		},
		transport.Decode[model.OpenTestResult])
}

func (c *Client) historyResultRequest(uuid, testUUID string) model.HistoryResultRequest {
	return model.HistoryResultRequest{
		UUID:     uuid,
		TestUUID: testUUID,
		Language: c.config.Language,
		Timezone: c.config.Timezone,
	}
}

// GetSyncCode asks the server for a short-lived code that another client
// can redeem to adopt this client's identity.
func (c *Client) GetSyncCode(ctx context.Context) (string, error) {
	return run(ctx, c, "getSyncCode",
		func(uuid string) (transport.Request, error) {
			return transport.Request{
				Path: spec.SyncPath,
				Body: model.SyncRequest{UUID: uuid, Language: c.config.Language},
			}, nil
		},
		func(body []byte) (string, error) {
			resp, err := transport.Decode[model.SyncResponse](body)
			if err != nil {
				return "", err
			}
			if len(resp.Sync) == 0 || resp.Sync[0].SyncCode == "" {
				return "", decodeError(errors.New("no sync code in response"))
			}
			return resp.Sync[0].SyncCode, nil
		})
}

// SyncWithCode redeems a sync code. On success the client adopts the
// identity the code was issued for.
func (c *Client) SyncWithCode(ctx context.Context, code string) (*model.SyncItem, error) {
	return run(ctx, c, "syncWithCode",
		func(uuid string) (transport.Request, error) {
			return transport.Request{
				Path: spec.SyncPath,
				Body: model.SyncRequest{UUID: uuid, SyncCode: code, Language: c.config.Language},
			}, nil
		},
		func(body []byte) (*model.SyncItem, error) {
			resp, err := transport.Decode[model.SyncResponse](body)
			if err != nil {
				return nil, err
			}
			if len(resp.Sync) == 0 {
				return nil, decodeError(errors.New("empty sync response"))
			}
			item := resp.Sync[0]
			if !item.Success {
				var msgs []string
				for _, m := range []string{item.MsgTitle, item.MsgText} {
					if m != "" {
						msgs = append(msgs, m)
					}
				}
				return nil, &transport.Error{Kind: transport.KindServer, Messages: msgs, Err: ErrSyncFailed}
			}
			if item.UUID != "" && item.UUID != c.store.UUID() {
				c.store.AdoptIdentity(item.UUID)
				c.logger.Info("adopted synced identity", "uuid", item.UUID)
			}
			return &item, nil
		})
}

// PerformWithUUID runs fn once the client identity is known, bootstrapping
// it first if needed. fn is the operation's dispatch step: it is not called
// if the bootstrap fails or CancelAllRequests is called before it starts.
func (c *Client) PerformWithUUID(ctx context.Context, fn func(ctx context.Context, uuid string) error) error {
	inv := c.newInvocation("performWithUUID")
	uuid, err := c.gate(ctx, inv)
	if err != nil {
		return inv.finish(err)
	}
	if c.cancelled(inv) {
		return inv.finish(cancelledError(inv.name))
	}
	if err := inv.transition(StateDispatched); err != nil {
		return err
	}
	return inv.finish(fn(ctx, uuid))
}
