package control

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/m-lab/rmbt-control/pkg/control/model"
)

// Snapshot is the settings state negotiated with the control server. A
// Snapshot held by a Store is never modified: refreshes replace it.
type Snapshot struct {
	// UUID is the client identity.
	UUID string
	// BaseURL is the negotiated control server URL. Nil means the store's
	// fallback URL is used.
	BaseURL *url.URL

	HistoryFilters  map[string][]string
	QoSTestNames    map[string]string
	OpenTestBaseURL string
	MapServerURL    *url.URL
	StatsURL        *url.URL

	Capabilities model.Capabilities
}

// clone returns a deep copy of s.
func (s *Snapshot) clone() *Snapshot {
	out := &Snapshot{
		UUID:            s.UUID,
		BaseURL:         cloneURL(s.BaseURL),
		HistoryFilters:  cloneFilters(s.HistoryFilters),
		QoSTestNames:    cloneNames(s.QoSTestNames),
		OpenTestBaseURL: s.OpenTestBaseURL,
		MapServerURL:    cloneURL(s.MapServerURL),
		StatsURL:        cloneURL(s.StatsURL),
		Capabilities:    s.Capabilities.Clone(),
	}
	return out
}

// display holds the name mappings derived from the latest snapshot.
type display struct {
	historyFilters map[string][]string
	qosTestNames   map[string]string
}

// Store holds the client identity and the latest settings. It is safe for
// concurrent use: reads never observe a partially applied snapshot.
type Store struct {
	fallback atomic.Pointer[url.URL]
	seedUUID string

	snapshot atomic.Pointer[Snapshot]
	display  atomic.Pointer[display]
}

// NewStore returns an empty Store. fallback is the control server URL used
// until one is negotiated. uuid, if not empty, is a previously persisted
// identity.
func NewStore(fallback *url.URL, uuid string) *Store {
	s := &Store{seedUUID: uuid}
	s.SetFallbackURL(fallback)
	s.Reset()
	return s
}

// Reset drops the negotiated settings and restores the initial identity.
// It exists for tests.
func (s *Store) Reset() {
	s.snapshot.Store(&Snapshot{UUID: s.seedUUID})
	s.UpdateWithCurrentSettings()
}

// SetFallbackURL replaces the URL used until a control server URL is negotiated.
func (s *Store) SetFallbackURL(u *url.URL) {
	s.fallback.Store(withTrailingSlash(u))
}

// UUID returns the client identity, or "" if none is known yet.
func (s *Store) UUID() string {
	return s.snapshot.Load().UUID
}

// BaseURL returns the negotiated control server URL, or the fallback.
func (s *Store) BaseURL() *url.URL {
	if u := s.snapshot.Load().BaseURL; u != nil {
		return cloneURL(u)
	}
	return cloneURL(s.fallback.Load())
}

// Negotiated returns true once settings have been applied.
func (s *Store) Negotiated() bool {
	return s.snapshot.Load().Capabilities != nil
}

// Capabilities returns a copy of the last negotiated capabilities. It is
// empty if settings were never fetched.
func (s *Store) Capabilities() model.Capabilities {
	return s.snapshot.Load().Capabilities.Clone()
}

// Snapshot returns a copy of the current snapshot.
func (s *Store) Snapshot() Snapshot {
	return *s.snapshot.Load().clone()
}

// OpenTestBaseURL returns the base URL for open test links.
func (s *Store) OpenTestBaseURL() string {
	return s.snapshot.Load().OpenTestBaseURL
}

// MapServerURL returns the map server URL, or nil.
func (s *Store) MapServerURL() *url.URL {
	return cloneURL(s.snapshot.Load().MapServerURL)
}

// StatsURL returns the statistics server URL, or nil.
func (s *Store) StatsURL() *url.URL {
	return cloneURL(s.snapshot.Load().StatsURL)
}

// HistoryFilters returns the history filter vocabulary.
func (s *Store) HistoryFilters() map[string][]string {
	return cloneFilters(s.display.Load().historyFilters)
}

// QoSTestNames returns the mapping of QoS test kinds to display names,
// e.g. "WEBSITE" => "Web page".
func (s *Store) QoSTestNames() map[string]string {
	return cloneNames(s.display.Load().qosTestNames)
}

// ApplySettings atomically replaces the snapshot. An identity that is
// already known is kept: only AdoptIdentity rebinds it. Applying the same
// snapshot twice has no further effect.
func (s *Store) ApplySettings(next Snapshot) {
	n := next.clone()
	if n.Capabilities == nil {
		n.Capabilities = model.Capabilities{}
	}
	for {
		old := s.snapshot.Load()
		if old.UUID != "" {
			n.UUID = old.UUID
		}
		if s.snapshot.CompareAndSwap(old, n) {
			break
		}
	}
	s.UpdateWithCurrentSettings()
}

// AdoptIdentity replaces the client identity, keeping everything else.
func (s *Store) AdoptIdentity(uuid string) {
	for {
		old := s.snapshot.Load()
		n := old.clone()
		n.UUID = uuid
		if s.snapshot.CompareAndSwap(old, n) {
			return
		}
	}
}

// UpdateWithCurrentSettings re-derives the exposed name mappings from the
// current snapshot. Before any snapshot is applied the mappings are empty.
func (s *Store) UpdateWithCurrentSettings() {
	snap := s.snapshot.Load()
	s.display.Store(&display{
		historyFilters: cloneFilters(snap.HistoryFilters),
		qosTestNames:   cloneNames(snap.QoSTestNames),
	})
}

// snapshotFromSettings converts a settings response into a Snapshot.
func snapshotFromSettings(settings model.Settings) (Snapshot, error) {
	snap := Snapshot{
		UUID:            settings.UUID,
		HistoryFilters:  settings.History,
		QoSTestNames:    make(map[string]string, len(settings.QoSTestTypes)),
		OpenTestBaseURL: settings.URLs.OpenDataPrefix,
		Capabilities:    settings.Capabilities,
	}
	for _, d := range settings.QoSTestTypes {
		snap.QoSTestNames[d.TestType] = d.Name
	}

	var err error
	if snap.BaseURL, err = parseOptionalURL(settings.URLs.ControlServer); err != nil {
		return Snapshot{}, fmt.Errorf("invalid control server URL: %w", err)
	}
	snap.BaseURL = withTrailingSlash(snap.BaseURL)
	if snap.StatsURL, err = parseOptionalURL(settings.URLs.Statistics); err != nil {
		return Snapshot{}, fmt.Errorf("invalid statistics URL: %w", err)
	}
	snap.StatsURL = withTrailingSlash(snap.StatsURL)

	mapServer := settings.URLs.MapServer
	if mapServer == "" && settings.MapServer != nil && settings.MapServer.Host != "" {
		mapServer = mapServerURL(settings.MapServer)
	}
	if snap.MapServerURL, err = parseOptionalURL(mapServer); err != nil {
		return Snapshot{}, fmt.Errorf("invalid map server URL: %w", err)
	}
	return snap, nil
}

func mapServerURL(m *model.MapServer) string {
	scheme := "http"
	if m.SSL {
		scheme = "https"
	}
	host := m.Host
	if m.Port != 0 {
		host = host + ":" + strconv.Itoa(m.Port)
	}
	return (&url.URL{Scheme: scheme, Host: host, Path: "/"}).String()
}

func parseOptionalURL(s string) (*url.URL, error) {
	if s == "" {
		return nil, nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("%q is not an absolute URL", s)
	}
	return u, nil
}

// withTrailingSlash makes relative paths resolve below u instead of
// replacing its last path segment.
func withTrailingSlash(u *url.URL) *url.URL {
	if u == nil {
		return nil
	}
	out := cloneURL(u)
	if !strings.HasSuffix(out.Path, "/") {
		out.Path += "/"
	}
	return out
}

func cloneURL(u *url.URL) *url.URL {
	if u == nil {
		return nil
	}
	out := *u
	if u.User != nil {
		user := *u.User
		out.User = &user
	}
	return &out
}

func cloneFilters(m map[string][]string) map[string][]string {
	out := make(map[string][]string, len(m))
	for k, v := range m {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func cloneNames(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
