package controlserver

import (
	"os"
	"sort"

	"github.com/m-lab/rmbt-control/pkg/control/model"
	"gopkg.in/yaml.v3"
)

// Fixture is what the reference server advertises to its clients.
type Fixture struct {
	// HistoryFilters is the history filter vocabulary.
	HistoryFilters map[string][]string `yaml:"history_filters"`
	// QoSTestNames maps QoS test kinds to display names.
	QoSTestNames map[string]string `yaml:"qos_test_names"`
	// Capabilities are the advertised feature flags.
	Capabilities map[string]any `yaml:"capabilities"`
	// URLs are the auxiliary endpoints. An empty Statistics URL makes the
	// server advertise itself, since it also serves open data.
	URLs FixtureURLs `yaml:"urls"`

	News []model.News `yaml:"news"`

	// HomeRegion is the bounding box of the home country used to answer
	// roaming status requests.
	HomeRegion Region `yaml:"home_region"`

	TestServer TestServer `yaml:"test_server"`

	// QoSObjectives are the QoS sub-tests handed out with every QoS request.
	QoSObjectives map[string][]map[string]any `yaml:"qos_objectives"`
}

// FixtureURLs are the auxiliary endpoints advertised in the settings.
type FixtureURLs struct {
	ControlServer  string `yaml:"control_server"`
	OpenDataPrefix string `yaml:"open_data_prefix"`
	MapServer      string `yaml:"map_server"`
	Statistics     string `yaml:"statistics"`
}

// Region is a latitude/longitude bounding box.
type Region struct {
	MinLat float64 `yaml:"min_lat"`
	MaxLat float64 `yaml:"max_lat"`
	MinLon float64 `yaml:"min_lon"`
	MaxLon float64 `yaml:"max_lon"`
}

// Contains returns true if the point is inside r.
func (r Region) Contains(lat, lon float64) bool {
	return lat >= r.MinLat && lat <= r.MaxLat && lon >= r.MinLon && lon <= r.MaxLon
}

// TestServer is the measurement server handed out with test parameters.
type TestServer struct {
	Address    string `yaml:"address"`
	Port       int    `yaml:"port"`
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Encryption bool   `yaml:"encryption"`
	Duration   int    `yaml:"duration"`
	Threads    int    `yaml:"threads"`
	Pings      int    `yaml:"pings"`
}

// DefaultFixture returns a fixture with a single measurement server and no
// QoS tests.
func DefaultFixture() *Fixture {
	return &Fixture{
		HistoryFilters: map[string][]string{
			"devices":  {},
			"networks": {"LAN", "WLAN", "MOBILE"},
		},
		QoSTestNames: map[string]string{},
		Capabilities: map[string]any{"RMBThttp": true},
		HomeRegion:   Region{MinLat: -90, MaxLat: 90, MinLon: -180, MaxLon: 180},
		TestServer: TestServer{
			Address:    "localhost",
			Port:       8081,
			Name:       "local",
			Type:       "RMBT",
			Encryption: false,
			Duration:   7,
			Threads:    3,
			Pings:      10,
		},
	}
}

// LoadFixture reads a fixture from a YAML file. Fields missing from the
// file keep the values of DefaultFixture.
func LoadFixture(path string) (*Fixture, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f := DefaultFixture()
	if err := yaml.Unmarshal(b, f); err != nil {
		return nil, err
	}
	return f, nil
}

// qosTestTypes returns the QoS test names sorted by test kind.
func (f *Fixture) qosTestTypes() []model.QoSTestTypeDesc {
	keys := make([]string, 0, len(f.QoSTestNames))
	for k := range f.QoSTestNames {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]model.QoSTestTypeDesc, 0, len(keys))
	for _, k := range keys {
		out = append(out, model.QoSTestTypeDesc{TestType: k, Name: f.QoSTestNames[k]})
	}
	return out
}

// qosObjectives returns a copy of the QoS objectives. It is never nil.
func (f *Fixture) qosObjectives() map[string][]model.QoSObjective {
	out := make(map[string][]model.QoSObjective, len(f.QoSObjectives))
	for kind, objectives := range f.QoSObjectives {
		list := make([]model.QoSObjective, 0, len(objectives))
		for _, o := range objectives {
			list = append(list, model.QoSObjective(o))
		}
		out[kind] = list
	}
	return out
}
