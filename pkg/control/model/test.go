package model

// NewsRequest asks for news newer than LastNewsUID.
type NewsRequest struct {
	UUID        string `json:"uuid"`
	Language    string `json:"language,omitempty"`
	Platform    string `json:"plattform,omitempty"`
	VersionCode int    `json:"softwareVersionCode,omitempty"`
	LastNewsUID int64  `json:"lastNewsUid"`
}

// NewsResponse is the response to a news request.
type NewsResponse struct {
	News []News `json:"news"`
}

// News is a single news item.
type News struct {
	UID   int64  `json:"uid"`
	Title string `json:"title"`
	Text  string `json:"text"`
}

// Location is a geographic position.
type Location struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"long"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

// RoamingRequest asks whether the client is in its home country.
type RoamingRequest struct {
	UUID string `json:"uuid"`
	// NetworkOperator is the mobile network code of the current network, if any.
	NetworkOperator string    `json:"network_operator,omitempty"`
	Location        *Location `json:"location,omitempty"`
}

// RoamingResponse is the response to a roaming status request.
type RoamingResponse struct {
	HomeCountry bool `json:"home_country"`
}

// TestRequest asks for the parameters of the next measurement.
type TestRequest struct {
	ClientInfo

	UUID string `json:"uuid"`

	// TestCounter is the number of tests run by this client so far.
	TestCounter int `json:"testCounter"`
	// PreviousTestStatus is the outcome of the previous test, e.g. "END" or
	// "ERROR". Empty for the first test.
	PreviousTestStatus string `json:"previousTestStatus,omitempty"`

	Location *Location `json:"location,omitempty"`
	// Time is the client's wall clock in milliseconds since the epoch.
	Time int64 `json:"time"`
}

// TestParams is the configuration for the next measurement run.
type TestParams struct {
	TestUUID   string `json:"test_uuid"`
	TestToken  string `json:"test_token"`
	TestID     int64  `json:"test_id,omitempty"`
	OpenTestID string `json:"open_test_uuid,omitempty"`

	ServerAddress    string `json:"test_server_address"`
	ServerPort       int    `json:"test_server_port"`
	ServerName       string `json:"test_server_name,omitempty"`
	ServerType       string `json:"test_server_type,omitempty"`
	ServerEncryption bool   `json:"test_server_encryption"`

	// Duration is the test duration in seconds.
	Duration int `json:"test_duration,string"`
	// NumThreads is the number of parallel streams.
	NumThreads int `json:"test_numthreads,string"`
	// NumPings is the number of latency probes.
	NumPings int `json:"test_numpings,string"`
	// Wait is the number of seconds to wait before starting.
	Wait int `json:"test_wait,omitempty"`

	ResultURL    string `json:"result_url,omitempty"`
	ResultQoSURL string `json:"result_qos_url,omitempty"`

	ClientRemoteIP string `json:"client_remote_ip,omitempty"`
	Provider       string `json:"provider,omitempty"`
}

// QoSRequest asks for the QoS objectives of the next measurement.
type QoSRequest struct {
	ClientInfo

	UUID string `json:"uuid"`
}

// QoSObjective is the parameter set of a single QoS sub-test. Its keys
// depend on the test kind.
type QoSObjective map[string]any

// QoSParams are the QoS sub-tests to run, keyed by test kind (e.g. "WEBSITE").
type QoSParams struct {
	TestUUID   string                    `json:"test_uuid,omitempty"`
	TestToken  string                    `json:"test_token,omitempty"`
	Objectives map[string][]QoSObjective `json:"objectives"`
}

// Len returns the total number of QoS sub-tests.
func (p *QoSParams) Len() int {
	n := 0
	for _, o := range p.Objectives {
		n += len(o)
	}
	return n
}
