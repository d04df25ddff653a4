package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/go-cmp/cmp"
	"github.com/m-lab/go/testingx"
	v2 "github.com/m-lab/locate/api/v2"
	"github.com/m-lab/rmbt-control/internal/controlserver"
	"github.com/m-lab/rmbt-control/pkg/control/model"
	"github.com/m-lab/rmbt-control/pkg/control/spec"
)

const settingsABC = `{"settings":[{"uuid":"abc","history":{"networks":["LAN"]},
	"qostesttype_desc":[{"test_type":"WEBSITE","name":"Web page"}],
	"urls":{},"capabilities":{"RMBThttp":true}}],"error":[]}`

// recordedRequest is a request received by a fakeServer.
type recordedRequest struct {
	Method string
	Path   string
	Body   map[string]any
}

// fakeServer is a control server that serves canned responses and records
// every request.
type fakeServer struct {
	*httptest.Server

	mu       sync.Mutex
	requests []recordedRequest
	handlers map[string]http.HandlerFunc
	// release unblocks the handlers created by block.
	release chan struct{}
	once    sync.Once
}

func newFakeServer(t *testing.T, handlers map[string]http.HandlerFunc) *fakeServer {
	fs := &fakeServer{handlers: handlers, release: make(chan struct{})}
	fs.Server = httptest.NewServer(http.HandlerFunc(fs.serve))
	t.Cleanup(fs.Close)
	// Runs first, so blocked handlers return before Close waits for them.
	t.Cleanup(fs.unblock)
	return fs
}

// unblock releases the handlers created by block.
func (fs *fakeServer) unblock() {
	fs.once.Do(func() { close(fs.release) })
}

func (fs *fakeServer) serve(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	rec := recordedRequest{Method: r.Method, Path: path}
	b, _ := io.ReadAll(r.Body)
	json.Unmarshal(b, &rec.Body)
	fs.mu.Lock()
	fs.requests = append(fs.requests, rec)
	h, ok := fs.handlers[path]
	fs.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	h(w, r)
}

// paths returns the paths of the received requests, in order.
func (fs *fakeServer) paths() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := []string{}
	for _, r := range fs.requests {
		out = append(out, r.Path)
	}
	return out
}

func (fs *fakeServer) count(path string) int {
	n := 0
	for _, p := range fs.paths() {
		if p == path {
			n++
		}
	}
	return n
}

func (fs *fakeServer) bodies(path string) []map[string]any {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var out []map[string]any
	for _, r := range fs.requests {
		if r.Path == path {
			out = append(out, r.Body)
		}
	}
	return out
}

// block returns a handler that waits until the server is released, or the
// client goes away, before answering with body.
func (fs *fakeServer) block(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-fs.release:
		case <-r.Context().Done():
			return
		}
		w.Write([]byte(body))
	}
}

func respond(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}
}

func ok(body string) http.HandlerFunc {
	return respond(http.StatusOK, body)
}

func newTestClient(t *testing.T, baseURL, uuid string, emitter Emitter) *Client {
	return New("test", "1.0", Config{
		BaseURL: baseURL,
		UUID:    uuid,
		Emitter: emitter,
		Logger:  log.New(io.Discard),
	})
}

// waitFor polls cond until it is true, failing the test after a while.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func Test_makeUserAgent(t *testing.T) {
	ua := makeUserAgent("client", "1.2.3")
	if ua != "client/1.2.3 rmbt-control/"+libraryVersion {
		t.Errorf("makeUserAgent() = %q", ua)
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name          string
		clientName    string
		clientVersion string
		baseURL       string
	}{
		{"empty name", "", "1.0", ""},
		{"empty version", "test", "", ""},
		{"relative base URL", "test", "1.0", "/RMBTControlServer/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Errorf("New() did not panic")
				}
			}()
			New(tt.clientName, tt.clientVersion, Config{BaseURL: tt.baseURL})
		})
	}

	c := New("test", "1.0", Config{})
	if c.BaseURL().String() != spec.DefaultBaseURL {
		t.Errorf("BaseURL() = %s, want %s", c.BaseURL(), spec.DefaultBaseURL)
	}
}

func TestClient_identityGate(t *testing.T) {
	t.Run("bootstraps a missing identity first", func(t *testing.T) {
		fs := newFakeServer(t, map[string]http.HandlerFunc{
			"settings": ok(settingsABC),
			"news":     ok(`{"news":[{"uid":3,"title":"t","text":"x"}]}`),
		})
		rec := newRecorder()
		c := newTestClient(t, fs.URL, "", rec)

		news, err := c.GetNews(context.Background(), 0)
		testingx.Must(t, err, "GetNews() failed")
		if len(news) != 1 || news[0].UID != 3 {
			t.Errorf("unexpected news %+v", news)
		}
		if diff := cmp.Diff([]string{"settings", "news"}, fs.paths()); diff != "" {
			t.Errorf("requests mismatch (-want +got):\n%s", diff)
		}
		if c.UUID() != "abc" {
			t.Errorf("UUID() = %q, want abc", c.UUID())
		}
		if fs.bodies("news")[0]["uuid"] != "abc" {
			t.Errorf("primary request does not carry the new identity")
		}
		want := []State{StateIdle, StateBootstrapping, StateDispatched, StateSucceeded}
		if diff := cmp.Diff(want, rec.states("getNews")); diff != "" {
			t.Errorf("transitions mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("skips the bootstrap with a known identity", func(t *testing.T) {
		fs := newFakeServer(t, map[string]http.HandlerFunc{
			"settings": ok(settingsABC),
			"news":     ok(`{"news":[]}`),
		})
		rec := newRecorder()
		c := newTestClient(t, fs.URL, "known", rec)

		news, err := c.GetNews(context.Background(), 0)
		testingx.Must(t, err, "GetNews() failed")
		if news == nil || len(news) != 0 {
			t.Errorf("GetNews() = %v, want empty", news)
		}
		if diff := cmp.Diff([]string{"news"}, fs.paths()); diff != "" {
			t.Errorf("requests mismatch (-want +got):\n%s", diff)
		}
		want := []State{StateIdle, StateDispatched, StateSucceeded}
		if diff := cmp.Diff(want, rec.states("getNews")); diff != "" {
			t.Errorf("transitions mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("concurrent operations share one bootstrap", func(t *testing.T) {
		fs := newFakeServer(t, nil)
		fs.handlers = map[string]http.HandlerFunc{
			"settings": fs.block(settingsABC),
			"history":  ok(`{"history":[]}`),
		}
		c := newTestClient(t, fs.URL, "", nil)

		const n = 10
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			go func() {
				_, err := c.GetHistory(context.Background(), nil, 10, 0)
				errs <- err
			}()
		}
		waitFor(t, "the bootstrap", func() bool { return fs.count("settings") == 1 })
		fs.unblock()
		for i := 0; i < n; i++ {
			testingx.Must(t, <-errs, "GetHistory() failed")
		}
		if fs.count("settings") != 1 || fs.count("history") != n {
			t.Errorf("unexpected requests %v", fs.paths())
		}
	})

	t.Run("settings share the bootstrap", func(t *testing.T) {
		fs := newFakeServer(t, nil)
		fs.handlers = map[string]http.HandlerFunc{
			"settings": fs.block(settingsABC),
			"news":     ok(`{"news":[]}`),
		}
		rec := newRecorder()
		c := newTestClient(t, fs.URL, "", rec)

		settings := make(chan Result[*model.Settings], 1)
		go func() {
			s, err := c.GetSettings(context.Background())
			settings <- Result[*model.Settings]{Value: s, Err: err}
		}()
		waitFor(t, "the settings request", func() bool { return fs.count("settings") == 1 })

		news := Async(context.Background(), func(ctx context.Context) ([]model.News, error) {
			return c.GetNews(ctx, 0)
		})
		waitFor(t, "the bootstrap", func() bool {
			states := rec.states("getNews")
			return len(states) > 1 && states[1] == StateBootstrapping
		})
		fs.unblock()

		r := <-settings
		testingx.Must(t, r.Err, "GetSettings() failed")
		if r.Value == nil || r.Value.UUID != "abc" {
			t.Errorf("GetSettings() = %+v, want the shared settings", r.Value)
		}
		testingx.Must(t, (<-news).Err, "GetNews() failed")
		if diff := cmp.Diff([]string{"settings", "news"}, fs.paths()); diff != "" {
			t.Errorf("requests mismatch (-want +got):\n%s", diff)
		}
		if c.UUID() != "abc" {
			t.Errorf("UUID() = %q, want abc", c.UUID())
		}
	})

	t.Run("bootstrap failures short-circuit", func(t *testing.T) {
		fs := newFakeServer(t, map[string]http.HandlerFunc{
			"settings": respond(http.StatusServiceUnavailable, `{"error":["maintenance"]}`),
			"news":     ok(`{"news":[]}`),
		})
		rec := newRecorder()
		c := newTestClient(t, fs.URL, "", rec)

		_, err := c.GetNews(context.Background(), 0)
		if KindOf(err) != KindIdentityBootstrap {
			t.Fatalf("GetNews() error kind = %s, want identity-bootstrap (%v)", KindOf(err), err)
		}
		if !errors.Is(err, ErrServer) || !strings.Contains(err.Error(), "maintenance") {
			t.Errorf("bootstrap error does not wrap the server error: %v", err)
		}
		if fs.count("news") != 0 {
			t.Errorf("primary request issued after a failed bootstrap")
		}
		if got := rec.states("getNews"); got[len(got)-1] != StateFailed {
			t.Errorf("final state = %s, want failed", got[len(got)-1])
		}

		// Failures are not cached: the next operation tries again.
		c.GetNews(context.Background(), 0)
		if fs.count("settings") != 2 {
			t.Errorf("bootstrap attempted %d times, want 2", fs.count("settings"))
		}
	})

	t.Run("settings without identity", func(t *testing.T) {
		fs := newFakeServer(t, map[string]http.HandlerFunc{
			"settings": ok(`{"settings":[{"urls":{}}]}`),
		})
		c := newTestClient(t, fs.URL, "", nil)
		_, err := c.GetSyncCode(context.Background())
		if !errors.Is(err, ErrIdentityBootstrap) || !errors.Is(err, ErrNoIdentity) {
			t.Errorf("GetSyncCode() error = %v", err)
		}
	})

	t.Run("empty settings", func(t *testing.T) {
		fs := newFakeServer(t, map[string]http.HandlerFunc{
			"settings": ok(`{"settings":[]}`),
		})
		c := newTestClient(t, fs.URL, "", nil)
		_, err := c.GetQoSParams(context.Background())
		if !errors.Is(err, ErrIdentityBootstrap) || !errors.Is(err, ErrDecode) {
			t.Errorf("GetQoSParams() error = %v", err)
		}
	})
}

func TestClient_CancelAllRequests(t *testing.T) {
	t.Run("no outstanding requests", func(t *testing.T) {
		c := newTestClient(t, "http://localhost:1/", "", nil)
		c.CancelAllRequests()
		c.CancelAllRequests()
	})

	t.Run("outstanding requests", func(t *testing.T) {
		fs := newFakeServer(t, nil)
		fs.handlers = map[string]http.HandlerFunc{
			"news": fs.block(`{"news":[]}`),
		}
		c := newTestClient(t, fs.URL, "abc", nil)

		const n = 5
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			go func() {
				_, err := c.GetNews(context.Background(), 0)
				errs <- err
			}()
		}
		waitFor(t, "the requests", func() bool { return fs.count("news") == n })
		c.CancelAllRequests()
		fs.unblock()

		for i := 0; i < n; i++ {
			err := <-errs
			if KindOf(err) != KindCancelled || !errors.Is(err, ErrCancelled) {
				t.Errorf("GetNews() error = %v, want cancellation", err)
			}
		}
		select {
		case err := <-errs:
			t.Errorf("unexpected extra outcome %v", err)
		default:
		}
		if c.transport.Outstanding() != 0 {
			t.Errorf("%d requests still registered", c.transport.Outstanding())
		}
	})

	t.Run("during bootstrap", func(t *testing.T) {
		fs := newFakeServer(t, nil)
		fs.handlers = map[string]http.HandlerFunc{
			"settings":       fs.block(settingsABC),
			"qosTestRequest": ok(`{"objectives":{}}`),
		}
		rec := newRecorder()
		c := newTestClient(t, fs.URL, "", rec)

		errs := make(chan error, 1)
		go func() {
			_, err := c.GetQoSParams(context.Background())
			errs <- err
		}()
		waitFor(t, "the bootstrap", func() bool { return fs.count("settings") == 1 })
		c.CancelAllRequests()

		err := <-errs
		if KindOf(err) != KindCancelled {
			t.Errorf("GetQoSParams() error kind = %s, want cancelled (%v)", KindOf(err), err)
		}
		want := []State{StateIdle, StateBootstrapping, StateCancelled}
		if diff := cmp.Diff(want, rec.states("getQoSParams")); diff != "" {
			t.Errorf("transitions mismatch (-want +got):\n%s", diff)
		}
		fs.unblock()
		if fs.count("qosTestRequest") != 0 {
			t.Errorf("primary request issued after cancellation")
		}

		// The client keeps working after a cancellation.
		fs.mu.Lock()
		fs.handlers["settings"] = ok(settingsABC)
		fs.mu.Unlock()
		_, err = c.GetQoSParams(context.Background())
		testingx.Must(t, err, "GetQoSParams() failed after cancellation")
	})
}

func TestClient_CancelAllRequests_bootstrapGenerations(t *testing.T) {
	t.Run("cancelled operations never start a bootstrap", func(t *testing.T) {
		fs := newFakeServer(t, map[string]http.HandlerFunc{"settings": ok(settingsABC)})
		c := newTestClient(t, fs.URL, "", nil)

		inv := c.newInvocation("getNews")
		c.CancelAllRequests()
		_, err := c.sharedSettings(context.Background(), inv)
		if KindOf(err) != KindCancelled {
			t.Errorf("sharedSettings() error kind = %s, want cancelled (%v)", KindOf(err), err)
		}
		if fs.count("settings") != 0 {
			t.Errorf("bootstrap started for a cancelled operation: %v", fs.paths())
		}
	})

	t.Run("later operations start a new bootstrap", func(t *testing.T) {
		fs := newFakeServer(t, nil)
		fs.handlers = map[string]http.HandlerFunc{
			"settings":       fs.block(settingsABC),
			"qosTestRequest": ok(`{"objectives":{}}`),
		}
		c := newTestClient(t, fs.URL, "", nil)

		first := Async(context.Background(), c.GetQoSParams)
		waitFor(t, "the bootstrap", func() bool { return fs.count("settings") == 1 })

		c.CancelAllRequests()
		fs.mu.Lock()
		fs.handlers["settings"] = ok(settingsABC)
		fs.mu.Unlock()
		// Starts before the cancelled bootstrap has returned.
		_, err := c.GetQoSParams(context.Background())
		testingx.Must(t, err, "GetQoSParams() failed after cancellation")

		if err := (<-first).Err; KindOf(err) != KindCancelled {
			t.Errorf("first GetQoSParams() error kind = %s, want cancelled (%v)", KindOf(err), err)
		}
		if fs.count("settings") != 2 || fs.count("qosTestRequest") != 1 {
			t.Errorf("unexpected requests %v", fs.paths())
		}
	})
}

func TestClient_callerContext(t *testing.T) {
	fs := newFakeServer(t, nil)
	fs.handlers = map[string]http.HandlerFunc{
		"history": fs.block(`{"history":[]}`),
	}
	c := newTestClient(t, fs.URL, "abc", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.GetHistory(ctx, nil, 0, 0)
	if KindOf(err) != KindTransport {
		t.Errorf("timeout error kind = %s, want transport", KindOf(err))
	}

	ctx, cancel = context.WithCancel(context.Background())
	go func() {
		for fs.count("history") < 2 {
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
	}()
	_, err = c.GetHistory(ctx, nil, 0, 0)
	if KindOf(err) != KindCancelled {
		t.Errorf("cancel error kind = %s, want cancelled", KindOf(err))
	}
}

func TestClient_failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    ErrorKind
	}{
		{"server error", respond(http.StatusInternalServerError, `{"error":["db"]}`), KindServer},
		{"error array", ok(`{"error":["ERROR_DB_GET_TEST"]}`), KindServer},
		{"malformed", ok(`{"testresult":`), KindDecode},
		{"wrong type", ok(`{"testresult":"x"}`), KindDecode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFakeServer(t, map[string]http.HandlerFunc{"testresult": tt.handler})
			c := newTestClient(t, fs.URL, "abc", nil)
			_, err := c.GetHistoryResult(context.Background(), "t0", false)
			if KindOf(err) != tt.want {
				t.Errorf("GetHistoryResult() error kind = %s, want %s (%v)", KindOf(err), tt.want, err)
			}
		})
	}

	t.Run("unreachable", func(t *testing.T) {
		fs := newFakeServer(t, nil)
		fs.Close()
		c := newTestClient(t, fs.URL, "abc", nil)
		_, err := c.GetNews(context.Background(), 0)
		if KindOf(err) != KindTransport {
			t.Errorf("GetNews() error kind = %s, want transport", KindOf(err))
		}
	})
}

func TestClient_GetSettings(t *testing.T) {
	fs := newFakeServer(t, map[string]http.HandlerFunc{
		"settings": ok(`{"settings":[{"uuid":"new","urls":{"statistics":"https://stats.example.org"},"capabilities":{"RMBThttp":true}}]}`),
	})
	c := newTestClient(t, fs.URL, "abc", nil)

	settings, err := c.GetSettings(context.Background())
	testingx.Must(t, err, "GetSettings() failed")
	if settings.URLs.Statistics != "https://stats.example.org" {
		t.Errorf("unexpected settings %+v", settings)
	}
	if fs.bodies("settings")[0]["uuid"] != "abc" {
		t.Errorf("settings request does not carry the identity")
	}
	if body := fs.bodies("settings")[0]; body["terms_and_conditions_accepted"] != true || body["name"] != spec.ClientName {
		t.Errorf("unexpected settings request %v", body)
	}
	// Settings never replace a known identity.
	if c.UUID() != "abc" {
		t.Errorf("UUID() = %q, want abc", c.UUID())
	}
	if !c.Capabilities().Enabled("RMBThttp") || c.Store().StatsURL().String() != "https://stats.example.org/" {
		t.Errorf("settings not applied")
	}
}

func TestClient_QoS(t *testing.T) {
	fs := newFakeServer(t, map[string]http.HandlerFunc{
		"settings":       ok(settingsABC),
		"qosTestRequest": ok(`{"objectives":{}}`),
	})
	c := newTestClient(t, fs.URL, "", nil)

	params, err := c.GetQoSParams(context.Background())
	testingx.Must(t, err, "GetQoSParams() failed")
	if params.Objectives == nil || params.Len() != 0 {
		t.Errorf("GetQoSParams() = %+v, want an empty set", params)
	}
	if c.UUID() != "abc" {
		t.Errorf("UUID() = %q, want abc", c.UUID())
	}
	c.UpdateWithCurrentSettings()
	if diff := cmp.Diff(map[string]string{"WEBSITE": "Web page"}, c.QoSTestNames()); diff != "" {
		t.Errorf("QoSTestNames() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string][]string{"networks": {"LAN"}}, c.HistoryFilters()); diff != "" {
		t.Errorf("HistoryFilters() mismatch (-want +got):\n%s", diff)
	}
}

func TestClient_GetHistory(t *testing.T) {
	fs := newFakeServer(t, map[string]http.HandlerFunc{
		"history": ok(`{"history":[{"test_uuid":"t0","time":1}]}`),
	})
	c := newTestClient(t, fs.URL, "abc", nil)

	filters := map[string][]string{"networks": {"WLAN"}}
	for _, offset := range []int{0, 20} {
		items, err := c.GetHistory(context.Background(), filters, 20, offset)
		testingx.Must(t, err, "GetHistory() failed")
		if len(items) != 1 || items[0].TestUUID != "t0" {
			t.Errorf("unexpected history %+v", items)
		}
	}
	// Negative values are clamped.
	_, err := c.GetHistory(context.Background(), nil, -1, -5)
	testingx.Must(t, err, "GetHistory() failed")

	bodies := fs.bodies("history")
	if len(bodies) != 3 {
		t.Fatalf("%d history requests, want 3", len(bodies))
	}
	for i, want := range []float64{0, 20, 0} {
		if bodies[i]["result_offset"] != want {
			t.Errorf("request %d: result_offset = %v, want %v", i, bodies[i]["result_offset"], want)
		}
	}
	if diff := cmp.Diff([]any{"WLAN"}, bodies[0]["networks"]); diff != "" {
		t.Errorf("filters mismatch (-want +got):\n%s", diff)
	}
	if _, ok := bodies[2]["result_limit"]; ok {
		t.Errorf("zero length sent as a limit")
	}
}

func TestClient_GetHistoryResult(t *testing.T) {
	fs := newFakeServer(t, map[string]http.HandlerFunc{
		"testresult":       ok(`{"testresult":[{"test_uuid":"t0","network_type":"LAN"}]}`),
		"testresultdetail": ok(`{"testresultdetail":[{"title":"a","value":"b"}]}`),
		"qosTestResult":    ok(`{"testresultdetail":[{"test_type":"DNS"}]}`),
	})
	c := newTestClient(t, fs.URL, "abc", nil)

	summary, err := c.GetHistoryResult(context.Background(), "t0", false)
	testingx.Must(t, err, "GetHistoryResult() failed")
	if len(summary.Summary) != 1 || summary.Summary[0].NetworkType != "LAN" {
		t.Errorf("unexpected summary %+v", summary)
	}
	details, err := c.GetHistoryResult(context.Background(), "t0", true)
	testingx.Must(t, err, "GetHistoryResult() failed")
	if len(details.Details) != 1 || details.Details[0].Title != "a" {
		t.Errorf("unexpected details %+v", details)
	}
	qos, err := c.GetHistoryQoSResult(context.Background(), "t0")
	testingx.Must(t, err, "GetHistoryQoSResult() failed")
	if len(qos.Details) != 1 || qos.Details[0]["test_type"] != "DNS" {
		t.Errorf("unexpected QoS result %+v", qos)
	}
	for _, b := range fs.bodies("testresultdetail") {
		if b["test_uuid"] != "t0" || b["uuid"] != "abc" {
			t.Errorf("unexpected request %v", b)
		}
	}
}

func TestClient_GetHistoryOpenDataResult(t *testing.T) {
	fs := newFakeServer(t, nil)
	fs.handlers = map[string]http.HandlerFunc{
		"settings": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"settings":[{"uuid":"abc","urls":{"statistics":"` + fs.URL + `/stats"}}]}`))
		},
		"stats/opentests/O123": ok(`{"open_test_uuid":"O123","download_kbit":1000}`),
	}
	c := newTestClient(t, fs.URL, "abc", nil)

	_, err := c.GetHistoryOpenDataResult(context.Background(), "O123")
	if !errors.Is(err, ErrNoStatsURL) || KindOf(err) != KindServer {
		t.Errorf("error without statistics server = %v", err)
	}

	_, err = c.GetSettings(context.Background())
	testingx.Must(t, err, "GetSettings() failed")
	record, err := c.GetHistoryOpenDataResult(context.Background(), "O123")
	testingx.Must(t, err, "GetHistoryOpenDataResult() failed")
	if record["open_test_uuid"] != "O123" {
		t.Errorf("unexpected record %v", record)
	}
	fs.mu.Lock()
	last := fs.requests[len(fs.requests)-1]
	fs.mu.Unlock()
	if last.Method != http.MethodGet {
		t.Errorf("open data fetched with %s", last.Method)
	}
}

func TestClient_GetRoamingStatus(t *testing.T) {
	for _, tt := range []struct {
		body string
		want bool
	}{
		{`{"home_country":true}`, false},
		{`{"home_country":false}`, true},
	} {
		fs := newFakeServer(t, map[string]http.HandlerFunc{"status": ok(tt.body)})
		c := newTestClient(t, fs.URL, "abc", nil)
		roaming, err := c.GetRoamingStatus(context.Background(), model.RoamingRequest{
			Location: &model.Location{Latitude: 48.2, Longitude: 16.4},
		})
		testingx.Must(t, err, "GetRoamingStatus() failed")
		if roaming != tt.want {
			t.Errorf("GetRoamingStatus() = %v, want %v", roaming, tt.want)
		}
		if fs.bodies("status")[0]["uuid"] != "abc" {
			t.Errorf("roaming request does not carry the identity")
		}
	}
}

func TestClient_GetTestParams(t *testing.T) {
	fs := newFakeServer(t, map[string]http.HandlerFunc{
		"testRequest": ok(`{"test_uuid":"t0","test_token":"tok","test_server_address":"rmbt.example.org",
			"test_server_port":443,"test_server_encryption":true,"test_duration":"7",
			"test_numthreads":"3","test_numpings":"10"}`),
	})
	c := newTestClient(t, fs.URL, "abc", nil)

	tp, err := c.GetTestParams(context.Background(), TestParamsRequest{
		TestCounter:        4,
		PreviousTestStatus: "END",
	})
	testingx.Must(t, err, "GetTestParams() failed")
	want := &model.TestParams{
		TestUUID:         "t0",
		TestToken:        "tok",
		ServerAddress:    "rmbt.example.org",
		ServerPort:       443,
		ServerEncryption: true,
		Duration:         7,
		NumThreads:       3,
		NumPings:         10,
	}
	if diff := cmp.Diff(want, tp); diff != "" {
		t.Errorf("GetTestParams() mismatch (-want +got):\n%s", diff)
	}
	body := fs.bodies("testRequest")[0]
	if body["testCounter"] != float64(4) || body["previousTestStatus"] != "END" || body["type"] != spec.DefaultClientType {
		t.Errorf("unexpected request %v", body)
	}
}

func TestClient_SubmitResult(t *testing.T) {
	fs := newFakeServer(t, map[string]http.HandlerFunc{
		"result":    ok(`{"error":[]}`),
		"collector": ok(`{"error":[]}`),
		"rejected":  ok(`{"error":["ERROR_DB_STORE_RESULT"]}`),
	})
	c := newTestClient(t, fs.URL, "abc", nil)

	payload := model.ResultPayload{"test_uuid": "t0"}
	testingx.Must(t, c.SubmitResult(context.Background(), payload, ""), "SubmitResult() failed")
	testingx.Must(t, c.SubmitResult(context.Background(), payload, fs.URL+"/collector"), "SubmitResult() failed")
	if diff := cmp.Diff([]string{"result", "collector"}, fs.paths()); diff != "" {
		t.Errorf("requests mismatch (-want +got):\n%s", diff)
	}
	if fs.bodies("result")[0]["client_uuid"] != "abc" {
		t.Errorf("result not stamped with the identity")
	}
	if _, stamped := payload["client_uuid"]; stamped {
		t.Errorf("caller's payload modified")
	}

	err := c.SubmitResult(context.Background(), payload, fs.URL+"/rejected")
	if KindOf(err) != KindServer {
		t.Errorf("SubmitResult() error kind = %s, want server", KindOf(err))
	}
}

func TestClient_PerformWithUUID(t *testing.T) {
	fs := newFakeServer(t, map[string]http.HandlerFunc{"settings": ok(settingsABC)})
	c := newTestClient(t, fs.URL, "", nil)

	var got string
	err := c.PerformWithUUID(context.Background(), func(ctx context.Context, uuid string) error {
		got = uuid
		return nil
	})
	testingx.Must(t, err, "PerformWithUUID() failed")
	if got != "abc" {
		t.Errorf("PerformWithUUID() called fn with %q", got)
	}

	failure := errors.New("failed")
	err = c.PerformWithUUID(context.Background(), func(context.Context, string) error {
		return failure
	})
	if err != failure {
		t.Errorf("PerformWithUUID() = %v, want %v", err, failure)
	}
}

func TestClient_sync(t *testing.T) {
	h := controlserver.New("", nil, time.Minute)
	srv := httptest.NewServer(h.ServeMux())
	defer func() {
		srv.Close()
		h.Close()
	}()

	first := newTestClient(t, srv.URL, "", nil)
	second := newTestClient(t, srv.URL, "", nil)

	code, err := first.GetSyncCode(context.Background())
	testingx.Must(t, err, "GetSyncCode() failed")
	if code == "" {
		t.Fatalf("GetSyncCode() returned an empty code")
	}
	testingx.Must(t, second.SubmitResult(context.Background(), model.ResultPayload{"test_uuid": "t0"}, ""),
		"SubmitResult() failed")

	item, err := second.SyncWithCode(context.Background(), code)
	testingx.Must(t, err, "SyncWithCode() failed")
	if !item.Success || second.UUID() != first.UUID() {
		t.Errorf("identity not adopted: %q != %q", second.UUID(), first.UUID())
	}

	// Both clients now see the merged history.
	items, err := first.GetHistory(context.Background(), nil, 0, 0)
	testingx.Must(t, err, "GetHistory() failed")
	if len(items) != 1 || items[0].TestUUID != "t0" {
		t.Errorf("unexpected history %+v", items)
	}

	_, err = second.SyncWithCode(context.Background(), code)
	if KindOf(err) != KindServer || !errors.Is(err, ErrSyncFailed) {
		t.Errorf("reused code error = %v", err)
	}
}

type fakeLocator struct {
	targets []v2.Target
	err     error
	calls   int
}

func (l *fakeLocator) Nearest(ctx context.Context, service string) ([]v2.Target, error) {
	l.calls++
	if service != spec.ServiceName {
		return nil, errors.New("unexpected service " + service)
	}
	return l.targets, l.err
}

func TestClient_Locator(t *testing.T) {
	fs := newFakeServer(t, map[string]http.HandlerFunc{
		"api/settings": ok(settingsABC),
		"api/news":     ok(`{"news":[]}`),
	})
	loc := &fakeLocator{targets: []v2.Target{
		{Machine: "broken", URLs: map[string]string{spec.LocateURLKey: "::"}},
		{Machine: "mlab1", URLs: map[string]string{spec.LocateURLKey: fs.URL + "/api"}},
	}}
	c := New("test", "1.0", Config{Locator: loc, Logger: log.New(io.Discard)})

	_, err := c.GetNews(context.Background(), 0)
	testingx.Must(t, err, "GetNews() failed")
	_, err = c.GetNews(context.Background(), 0)
	testingx.Must(t, err, "GetNews() failed")
	if loc.calls != 1 {
		t.Errorf("locator called %d times, want 1", loc.calls)
	}
	if diff := cmp.Diff([]string{"api/settings", "api/news", "api/news"}, fs.paths()); diff != "" {
		t.Errorf("requests mismatch (-want +got):\n%s", diff)
	}

	empty := New("test", "1.0", Config{Locator: &fakeLocator{}, Logger: log.New(io.Discard)})
	_, err = empty.GetNews(context.Background(), 0)
	if !errors.Is(err, ErrNoTargets) || KindOf(err) != KindIdentityBootstrap {
		t.Errorf("GetNews() error = %v", err)
	}
}
