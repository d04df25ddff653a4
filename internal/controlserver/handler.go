// Package controlserver implements a reference RMBT control server. It
// keeps its state in memory and writes submitted results to disk.
package controlserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/m-lab/rmbt-control/internal/metrics"
	"github.com/m-lab/rmbt-control/internal/persistence"
	"github.com/m-lab/rmbt-control/pkg/control/model"
	"github.com/m-lab/rmbt-control/pkg/control/spec"
)

// Error messages returned in the error array of a response.
const (
	errInvalidRequest = "ERROR_REQUEST_INVALID"
	errUnknownClient  = "ERROR_DB_GET_CLIENT"
	errTermsRequired  = "ERROR_TERMS_NOT_ACCEPTED"
	errUnknownTest    = "ERROR_DB_GET_TEST"
	errStorage        = "ERROR_DB_STORE_RESULT"
)

// historyFields maps history filter keys to the result fields they match.
var historyFields = map[string]string{
	"devices":  "model",
	"networks": "network_type",
}

type client struct {
	uuid       string
	registered time.Time
	// tests are the client's test UUIDs, oldest first.
	tests []string
}

type storedResult struct {
	TestUUID     string
	OpenTestUUID string
	ClientUUID   string
	Time         time.Time
	Result       model.ResultPayload
	QoS          []model.QoSResultEntry
}

// Handler is the handler for control server requests.
type Handler struct {
	dataDir   string
	fixture   *Fixture
	syncCodes *ttlcache.Cache[string, string]

	mu      sync.Mutex
	clients map[string]*client
	results map[string]*storedResult
	// openResults indexes results by their open test UUID.
	openResults map[string]*storedResult
}

// New returns a new Handler. Submitted results are written under dataDir,
// unless it is empty. Sync codes expire after syncCodeTTL.
func New(dataDir string, fixture *Fixture, syncCodeTTL time.Duration) *Handler {
	if fixture == nil {
		fixture = DefaultFixture()
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, string](syncCodeTTL),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	cache.OnEviction(func(ctx context.Context,
		er ttlcache.EvictionReason,
		i *ttlcache.Item[string, string]) {
		if er == ttlcache.EvictionReasonExpired {
			metrics.SyncCodes.WithLabelValues("expired").Inc()
		}
		log.Debug("Sync code evicted", "code", i.Key(), "uuid", i.Value(), "reason", er)
	})
	go cache.Start()

	return &Handler{
		dataDir:     dataDir,
		fixture:     fixture,
		syncCodes:   cache,
		clients:     map[string]*client{},
		results:     map[string]*storedResult{},
		openResults: map[string]*storedResult{},
	}
}

// Close stops the sync code expiration goroutine.
func (h *Handler) Close() {
	h.syncCodes.Stop()
}

// ServeMux returns a mux serving every control server endpoint below "/".
func (h *Handler) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /"+spec.SettingsPath, h.Settings)
	mux.HandleFunc("POST /"+spec.NewsPath, h.News)
	mux.HandleFunc("POST /"+spec.RoamingStatusPath, h.RoamingStatus)
	mux.HandleFunc("POST /"+spec.TestRequestPath, h.TestRequest)
	mux.HandleFunc("POST /"+spec.QoSTestRequestPath, h.QoSTestRequest)
	mux.HandleFunc("POST /"+spec.HistoryPath, h.History)
	mux.HandleFunc("POST /"+spec.TestResultPath, h.TestResult)
	mux.HandleFunc("POST /"+spec.TestResultDetailPath, h.TestResultDetail)
	mux.HandleFunc("POST /"+spec.QoSTestResultPath, h.QoSTestResult)
	mux.HandleFunc("GET /"+spec.OpenTestsPath+"{id}", h.OpenTest)
	mux.HandleFunc("POST /"+spec.SyncPath, h.Sync)
	mux.HandleFunc("POST /"+spec.ResultPath, h.Result)
	mux.HandleFunc("POST /"+spec.QoSResultPath, h.QoSResult)
	return mux
}

// Settings registers unknown clients and returns the advertised settings.
func (h *Handler) Settings(rw http.ResponseWriter, req *http.Request) {
	var sr model.SettingsRequest
	if !decodeRequest(rw, req, spec.SettingsPath, &sr) {
		return
	}
	if !sr.TermsAndConditionsAccepted {
		writeError(rw, spec.SettingsPath, http.StatusOK, errTermsRequired)
		return
	}

	h.mu.Lock()
	id := sr.UUID
	if id == "" {
		id = uuid.NewString()
	}
	if _, ok := h.clients[id]; !ok {
		h.clients[id] = &client{uuid: id, registered: time.Now()}
		log.Info("Client registered", "uuid", id, "platform", sr.Platform,
			"version", sr.VersionName, "source", req.RemoteAddr)
	}
	h.mu.Unlock()

	urls := model.SettingsURLs{
		ControlServer:  h.fixture.URLs.ControlServer,
		OpenDataPrefix: h.fixture.URLs.OpenDataPrefix,
		MapServer:      h.fixture.URLs.MapServer,
		Statistics:     h.fixture.URLs.Statistics,
	}
	if urls.Statistics == "" {
		urls.Statistics = baseURL(req)
	}
	writeJSON(rw, spec.SettingsPath, http.StatusOK, &model.SettingsResponse{
		Settings: []model.Settings{{
			UUID:         id,
			History:      h.fixture.HistoryFilters,
			QoSTestTypes: h.fixture.qosTestTypes(),
			URLs:         urls,
			Capabilities: model.Capabilities(h.fixture.Capabilities).Clone(),
		}},
		Error: []string{},
	})
}

// News returns the news items newer than the client's last seen one.
func (h *Handler) News(rw http.ResponseWriter, req *http.Request) {
	var nr model.NewsRequest
	if !decodeRequest(rw, req, spec.NewsPath, &nr) || !h.requireClient(rw, spec.NewsPath, nr.UUID) {
		return
	}
	news := []model.News{}
	for _, n := range h.fixture.News {
		if n.UID > nr.LastNewsUID {
			news = append(news, n)
		}
	}
	writeJSON(rw, spec.NewsPath, http.StatusOK, &model.NewsResponse{News: news})
}

// RoamingStatus reports whether the client's location is inside the home
// region. Clients without a location are considered at home.
func (h *Handler) RoamingStatus(rw http.ResponseWriter, req *http.Request) {
	var rr model.RoamingRequest
	if !decodeRequest(rw, req, spec.RoamingStatusPath, &rr) ||
		!h.requireClient(rw, spec.RoamingStatusPath, rr.UUID) {
		return
	}
	home := true
	if rr.Location != nil {
		home = h.fixture.HomeRegion.Contains(rr.Location.Latitude, rr.Location.Longitude)
	}
	writeJSON(rw, spec.RoamingStatusPath, http.StatusOK, &model.RoamingResponse{HomeCountry: home})
}

// TestRequest returns the parameters for a new measurement.
func (h *Handler) TestRequest(rw http.ResponseWriter, req *http.Request) {
	var tr model.TestRequest
	if !decodeRequest(rw, req, spec.TestRequestPath, &tr) ||
		!h.requireClient(rw, spec.TestRequestPath, tr.UUID) {
		return
	}
	testUUID := uuid.NewString()
	ts := h.fixture.TestServer
	base := baseURL(req)
	host, _, _ := net.SplitHostPort(req.RemoteAddr)
	log.Debug("Test requested", "uuid", tr.UUID, "counter", tr.TestCounter,
		"previous", tr.PreviousTestStatus, "test_uuid", testUUID)
	writeJSON(rw, spec.TestRequestPath, http.StatusOK, &model.TestParams{
		TestUUID:         testUUID,
		TestToken:        fmt.Sprintf("%s_%d", testUUID, time.Now().Unix()),
		ServerAddress:    ts.Address,
		ServerPort:       ts.Port,
		ServerName:       ts.Name,
		ServerType:       ts.Type,
		ServerEncryption: ts.Encryption,
		Duration:         ts.Duration,
		NumThreads:       ts.Threads,
		NumPings:         ts.Pings,
		ResultURL:        base + spec.ResultPath,
		ResultQoSURL:     base + spec.QoSResultPath,
		ClientRemoteIP:   host,
	})
}

// QoSTestRequest returns the configured QoS objectives.
func (h *Handler) QoSTestRequest(rw http.ResponseWriter, req *http.Request) {
	var qr model.QoSRequest
	if !decodeRequest(rw, req, spec.QoSTestRequestPath, &qr) ||
		!h.requireClient(rw, spec.QoSTestRequestPath, qr.UUID) {
		return
	}
	testUUID := uuid.NewString()
	writeJSON(rw, spec.QoSTestRequestPath, http.StatusOK, &model.QoSParams{
		TestUUID:   testUUID,
		TestToken:  fmt.Sprintf("%s_%d", testUUID, time.Now().Unix()),
		Objectives: h.fixture.qosObjectives(),
	})
}

// History returns a window of the client's results, newest first.
func (h *Handler) History(rw http.ResponseWriter, req *http.Request) {
	var hr model.HistoryRequest
	if !decodeRequest(rw, req, spec.HistoryPath, &hr) ||
		!h.requireClient(rw, spec.HistoryPath, hr.UUID) {
		return
	}

	h.mu.Lock()
	tests := h.clients[hr.UUID].tests
	matching := make([]*storedResult, 0, len(tests))
	for i := len(tests) - 1; i >= 0; i-- {
		r := h.results[tests[i]]
		if r != nil && matchesFilters(r.Result, hr.Filters) {
			matching = append(matching, r)
		}
	}
	start := min(hr.Offset, len(matching))
	end := len(matching)
	if hr.Length > 0 {
		end = min(start+hr.Length, end)
	}
	items := make([]model.HistoryItem, 0, end-start)
	for _, r := range matching[start:end] {
		items = append(items, model.HistoryItem{
			TestUUID:           r.TestUUID,
			Time:               r.Time.UnixMilli(),
			TimeString:         r.Time.UTC().Format(time.DateTime),
			Model:              stringField(r.Result, "model"),
			NetworkType:        stringField(r.Result, "network_type"),
			SpeedDownload:      stringField(r.Result, "test_speed_download"),
			SpeedUpload:        stringField(r.Result, "test_speed_upload"),
			PingShortest:       stringField(r.Result, "test_ping_shortest"),
			QoSResultAvailable: len(r.QoS) > 0,
		})
	}
	h.mu.Unlock()

	writeJSON(rw, spec.HistoryPath, http.StatusOK, &model.HistoryResponse{History: items})
}

// TestResult returns the summary of one of the client's results.
func (h *Handler) TestResult(rw http.ResponseWriter, req *http.Request) {
	r, ok := h.lookupResult(rw, req, spec.TestResultPath)
	if !ok {
		return
	}
	summary := model.TestResult{
		TestUUID:     r.TestUUID,
		OpenTestUUID: r.OpenTestUUID,
		Time:         r.Time.UnixMilli(),
		TimeString:   r.Time.UTC().Format(time.DateTime),
		NetworkType:  stringField(r.Result, "network_type"),
	}
	for _, f := range []struct{ title, key string }{
		{"Download", "test_speed_download"},
		{"Upload", "test_speed_upload"},
		{"Ping", "test_ping_shortest"},
	} {
		if v := stringField(r.Result, f.key); v != "" {
			summary.Measurement = append(summary.Measurement, model.ResultItem{Title: f.title, Value: v})
		}
	}
	writeJSON(rw, spec.TestResultPath, http.StatusOK, &model.HistoryResult{
		Summary: []model.TestResult{summary},
	})
}

// TestResultDetail returns every field of one of the client's results.
func (h *Handler) TestResultDetail(rw http.ResponseWriter, req *http.Request) {
	r, ok := h.lookupResult(rw, req, spec.TestResultDetailPath)
	if !ok {
		return
	}
	keys := make([]string, 0, len(r.Result))
	for k := range r.Result {
		if k != "client_uuid" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	details := make([]model.ResultItem, 0, len(keys))
	for _, k := range keys {
		details = append(details, model.ResultItem{Title: k, Value: stringField(r.Result, k)})
	}
	writeJSON(rw, spec.TestResultDetailPath, http.StatusOK, &model.HistoryResult{Details: details})
}

// QoSTestResult returns the QoS results attached to one of the client's tests.
func (h *Handler) QoSTestResult(rw http.ResponseWriter, req *http.Request) {
	r, ok := h.lookupResult(rw, req, spec.QoSTestResultPath)
	if !ok {
		return
	}
	writeJSON(rw, spec.QoSTestResultPath, http.StatusOK, &model.QoSResult{Details: r.QoS})
}

// OpenTest returns the open data record of a result. It does not require a
// client identity.
func (h *Handler) OpenTest(rw http.ResponseWriter, req *http.Request) {
	endpoint := spec.OpenTestsPath
	h.mu.Lock()
	r, ok := h.openResults[req.PathValue("id")]
	var record model.OpenTestResult
	if ok {
		record = model.OpenTestResult{}
		for k, v := range r.Result {
			if k != "client_uuid" {
				record[k] = v
			}
		}
		record["open_test_uuid"] = r.OpenTestUUID
		record["time"] = r.Time.UTC().Format(time.RFC3339)
	}
	h.mu.Unlock()
	if !ok {
		writeError(rw, endpoint, http.StatusNotFound, errUnknownTest)
		return
	}
	writeJSON(rw, endpoint, http.StatusOK, record)
}

// Sync issues a sync code, or redeems one and merges the redeeming client's
// history into the history of the client the code was issued for.
func (h *Handler) Sync(rw http.ResponseWriter, req *http.Request) {
	var sr model.SyncRequest
	if !decodeRequest(rw, req, spec.SyncPath, &sr) ||
		!h.requireClient(rw, spec.SyncPath, sr.UUID) {
		return
	}

	if sr.SyncCode == "" {
		code := newSyncCode()
		h.syncCodes.Set(code, sr.UUID, ttlcache.DefaultTTL)
		metrics.SyncCodes.WithLabelValues("issued").Inc()
		log.Debug("Sync code issued", "uuid", sr.UUID, "code", code)
		writeJSON(rw, spec.SyncPath, http.StatusOK, &model.SyncResponse{
			Sync: []model.SyncItem{{SyncCode: code}},
		})
		return
	}

	item := h.syncCodes.Get(strings.ToUpper(sr.SyncCode))
	if item == nil {
		metrics.SyncCodes.WithLabelValues("rejected").Inc()
		writeJSON(rw, spec.SyncPath, http.StatusOK, &model.SyncResponse{
			Sync: []model.SyncItem{{
				Success:  false,
				MsgTitle: "Synchronization failed",
				MsgText:  "The code is invalid or has expired.",
			}},
		})
		return
	}
	h.syncCodes.Delete(item.Key())
	target := item.Value()

	h.mu.Lock()
	if sr.UUID != target {
		source := h.clients[sr.UUID]
		if source == nil {
			source = &client{uuid: sr.UUID}
		}
		dst := h.clients[target]
		if dst == nil {
			dst = &client{uuid: target, registered: time.Now()}
			h.clients[target] = dst
		}
		for _, t := range source.tests {
			if r := h.results[t]; r != nil {
				r.ClientUUID = target
			}
		}
		dst.tests = append(dst.tests, source.tests...)
		delete(h.clients, sr.UUID)
	}
	h.mu.Unlock()

	metrics.SyncCodes.WithLabelValues("redeemed").Inc()
	log.Info("Clients synchronized", "from", sr.UUID, "to", target)
	writeJSON(rw, spec.SyncPath, http.StatusOK, &model.SyncResponse{
		Sync: []model.SyncItem{{
			Success:  true,
			MsgTitle: "Synchronization successful",
			UUID:     target,
		}},
	})
}

// Result stores a measurement result.
func (h *Handler) Result(rw http.ResponseWriter, req *http.Request) {
	var payload model.ResultPayload
	if !decodeRequest(rw, req, spec.ResultPath, &payload) {
		return
	}
	clientUUID := stringField(payload, "client_uuid")
	if !h.requireClient(rw, spec.ResultPath, clientUUID) {
		return
	}
	testUUID := stringField(payload, "test_uuid")
	if testUUID == "" {
		testUUID = uuid.NewString()
		payload["test_uuid"] = testUUID
	}
	if !h.persist(rw, spec.ResultPath, "result", testUUID, payload) {
		return
	}

	r := &storedResult{
		TestUUID:     testUUID,
		OpenTestUUID: "O" + uuid.NewString(),
		ClientUUID:   clientUUID,
		Time:         time.Now(),
		Result:       payload,
	}
	h.mu.Lock()
	if c := h.clients[clientUUID]; c != nil {
		if _, exists := h.results[testUUID]; !exists {
			c.tests = append(c.tests, testUUID)
		}
	}
	h.results[testUUID] = r
	h.openResults[r.OpenTestUUID] = r
	h.mu.Unlock()

	metrics.ResultsStored.WithLabelValues("result", "ok").Inc()
	log.Info("Result stored", "uuid", clientUUID, "test_uuid", testUUID)
	writeJSON(rw, spec.ResultPath, http.StatusOK, &model.SubmitResponse{Error: []string{}})
}

// QoSResult attaches QoS results to a previously submitted test.
func (h *Handler) QoSResult(rw http.ResponseWriter, req *http.Request) {
	var payload model.ResultPayload
	if !decodeRequest(rw, req, spec.QoSResultPath, &payload) {
		return
	}
	clientUUID := stringField(payload, "client_uuid")
	if !h.requireClient(rw, spec.QoSResultPath, clientUUID) {
		return
	}
	testUUID := stringField(payload, "test_uuid")
	h.mu.Lock()
	r := h.results[testUUID]
	h.mu.Unlock()
	if r == nil {
		metrics.ResultsStored.WithLabelValues("qos", "unknown_test").Inc()
		writeError(rw, spec.QoSResultPath, http.StatusOK, errUnknownTest)
		return
	}
	if !h.persist(rw, spec.QoSResultPath, "qos", testUUID, payload) {
		return
	}

	var entries []model.QoSResultEntry
	if list, ok := payload["qos_result"].([]any); ok {
		for _, e := range list {
			if m, ok := e.(map[string]any); ok {
				entries = append(entries, model.QoSResultEntry(m))
			}
		}
	}
	h.mu.Lock()
	r.QoS = append(r.QoS, entries...)
	h.mu.Unlock()

	metrics.ResultsStored.WithLabelValues("qos", "ok").Inc()
	log.Info("QoS result stored", "uuid", clientUUID, "test_uuid", testUUID, "entries", len(entries))
	writeJSON(rw, spec.QoSResultPath, http.StatusOK, &model.SubmitResponse{Error: []string{}})
}

func (h *Handler) persist(rw http.ResponseWriter, endpoint, subtest, testUUID string, payload model.ResultPayload) bool {
	if h.dataDir == "" {
		return true
	}
	_, err := persistence.WriteDataFile(h.dataDir, "rmbt", subtest, testUUID, payload)
	if err != nil {
		log.Error("failed to write result", "test_uuid", testUUID, "error", err)
		metrics.ResultsStored.WithLabelValues(subtest, "error").Inc()
		writeError(rw, endpoint, http.StatusInternalServerError, errStorage)
		return false
	}
	return true
}

// lookupResult decodes a result request and returns a copy of the result if
// it belongs to the requesting client.
func (h *Handler) lookupResult(rw http.ResponseWriter, req *http.Request, endpoint string) (*storedResult, bool) {
	var rr model.HistoryResultRequest
	if !decodeRequest(rw, req, endpoint, &rr) || !h.requireClient(rw, endpoint, rr.UUID) {
		return nil, false
	}
	h.mu.Lock()
	r := h.results[rr.TestUUID]
	if r == nil || r.ClientUUID != rr.UUID {
		h.mu.Unlock()
		writeError(rw, endpoint, http.StatusOK, errUnknownTest)
		return nil, false
	}
	snap := *r
	snap.QoS = append([]model.QoSResultEntry{}, r.QoS...)
	h.mu.Unlock()
	return &snap, true
}

// requireClient writes an error response and returns false if id is not a
// registered client.
func (h *Handler) requireClient(rw http.ResponseWriter, endpoint, id string) bool {
	h.mu.Lock()
	_, ok := h.clients[id]
	h.mu.Unlock()
	if !ok {
		log.Info("Request from unknown client", "endpoint", endpoint, "uuid", id)
		writeError(rw, endpoint, http.StatusOK, errUnknownClient)
	}
	return ok
}

func decodeRequest(rw http.ResponseWriter, req *http.Request, endpoint string, v any) bool {
	err := json.NewDecoder(io.LimitReader(req.Body, spec.MaxResponseSize)).Decode(v)
	if err != nil {
		log.Info("Invalid request body", "endpoint", endpoint, "source", req.RemoteAddr, "error", err)
		writeError(rw, endpoint, http.StatusBadRequest, errInvalidRequest)
		return false
	}
	return true
}

func writeJSON(rw http.ResponseWriter, endpoint string, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error("cannot marshal response", "endpoint", endpoint, "error", err)
		status = http.StatusInternalServerError
		b = []byte(`{"error":["` + errInvalidRequest + `"]}`)
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	rw.Write(b)
	metrics.ServerRequests.WithLabelValues(endpoint, fmt.Sprint(status)).Inc()
}

func writeError(rw http.ResponseWriter, endpoint string, status int, msgs ...string) {
	writeJSON(rw, endpoint, status, map[string][]string{"error": msgs})
}

// baseURL returns the URL this server was reached at, with a trailing slash.
func baseURL(req *http.Request) string {
	scheme := "http"
	if req.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + req.Host + "/"
}

// newSyncCode returns a short, case-insensitive code.
func newSyncCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}

// stringField returns the string form of a payload field, or "".
func stringField(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// matchesFilters returns true if every filter with values matches the result.
func matchesFilters(result model.ResultPayload, filters map[string][]string) bool {
	for key, values := range filters {
		if len(values) == 0 {
			continue
		}
		field, ok := historyFields[key]
		if !ok {
			field = key
		}
		got := stringField(result, field)
		found := false
		for _, v := range values {
			if v == got {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
