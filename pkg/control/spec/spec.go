// Package spec contains constants for the RMBT control server protocol.
package spec

import "time"

const (
	// DefaultBaseURL is the control server used when the caller does not
	// configure one and no server has been negotiated yet.
	DefaultBaseURL = "https://control.netztest.at/RMBTControlServer/"

	// ServiceName is the service name for the Locate V2 API.
	ServiceName = "rmbt/control"

	// LocateURLKey is the key of the control server URL in a Locate target.
	LocateURLKey = "https:///RMBTControlServer/"

	// SettingsPath is the settings endpoint. A settings request without a
	// UUID registers a new client.
	SettingsPath = "settings"
	// NewsPath returns news newer than the last seen news item.
	NewsPath = "news"
	// RoamingStatusPath returns whether the client is in its home country.
	RoamingStatusPath = "status"
	// TestRequestPath returns the parameters for the next measurement.
	TestRequestPath = "testRequest"
	// QoSTestRequestPath returns the QoS objectives for the next measurement.
	QoSTestRequestPath = "qosTestRequest"
	// HistoryPath returns a window of previous test results.
	HistoryPath = "history"
	// TestResultPath returns the summary of a single test result.
	TestResultPath = "testresult"
	// TestResultDetailPath returns the full details of a single test result.
	TestResultDetailPath = "testresultdetail"
	// QoSTestResultPath returns the QoS results of a single test.
	QoSTestResultPath = "qosTestResult"
	// SyncPath issues and redeems sync codes.
	SyncPath = "sync"
	// ResultPath is the default result submission endpoint.
	ResultPath = "result"
	// QoSResultPath is the QoS result submission endpoint advertised by the
	// reference server in the test parameters.
	QoSResultPath = "resultQoS"
	// OpenTestsPath is the prefix of the open data endpoint on the statistics
	// server. The open test UUID is appended to it.
	OpenTestsPath = "opentests/"

	// ClientName is the protocol-level client name sent with every request.
	ClientName = "RMBT"
	// DefaultClientType is the client type sent with the settings request.
	DefaultClientType = "DESKTOP"

	// DefaultRequestTimeout is the default timeout of a single request.
	DefaultRequestTimeout = 30 * time.Second

	// MaxResponseSize is the maximum size of a response body.
	MaxResponseSize = 8 << 20

	// DefaultSyncCodeTTL is how long a sync code can be redeemed for.
	DefaultSyncCodeTTL = 10 * time.Minute
)
