package model

import "encoding/json"

// HistoryRequest asks for a window of previous test results.
type HistoryRequest struct {
	UUID string
	// Filters restricts the results, e.g. "networks" => ["WLAN"]. Keys come
	// from the history filter vocabulary advertised in the settings.
	Filters map[string][]string
	// Length is the maximum number of results. Zero means no limit.
	Length int
	// Offset is the number of results to skip.
	Offset int
}

// MarshalJSON flattens the filters into the request object, as expected by
// the control server.
func (r HistoryRequest) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Filters)+3)
	for k, v := range r.Filters {
		m[k] = v
	}
	m["uuid"] = r.UUID
	m["result_offset"] = r.Offset
	if r.Length > 0 {
		m["result_limit"] = r.Length
	}
	return json.Marshal(m)
}

// UnmarshalJSON is the inverse of MarshalJSON. Any array of strings that is
// not a known field is treated as a filter.
func (r *HistoryRequest) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*r = HistoryRequest{}
	for k, v := range raw {
		var err error
		switch k {
		case "uuid":
			err = json.Unmarshal(v, &r.UUID)
		case "result_offset":
			err = json.Unmarshal(v, &r.Offset)
		case "result_limit":
			err = json.Unmarshal(v, &r.Length)
		default:
			var values []string
			if json.Unmarshal(v, &values) != nil {
				continue
			}
			if r.Filters == nil {
				r.Filters = map[string][]string{}
			}
			r.Filters[k] = values
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// HistoryResponse is the response to a history request.
type HistoryResponse struct {
	History []HistoryItem `json:"history"`
}

// HistoryItem is a single entry in the test history.
type HistoryItem struct {
	TestUUID           string `json:"test_uuid"`
	Time               int64  `json:"time"`
	TimeString         string `json:"time_string,omitempty"`
	Timezone           string `json:"timezone,omitempty"`
	Model              string `json:"model,omitempty"`
	NetworkType        string `json:"network_type,omitempty"`
	SpeedDownload      string `json:"speed_download,omitempty"`
	SpeedUpload        string `json:"speed_upload,omitempty"`
	PingShortest       string `json:"ping_shortest,omitempty"`
	QoSResultAvailable bool   `json:"qos_result_available,omitempty"`
}

// HistoryResultRequest asks for a single test result.
type HistoryResultRequest struct {
	UUID     string `json:"uuid"`
	TestUUID string `json:"test_uuid"`
	Language string `json:"language,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// ResultItem is a titled value, as displayed in a result view.
type ResultItem struct {
	Title          string `json:"title"`
	Value          string `json:"value"`
	Classification int    `json:"classification,omitempty"`
}

// TestResult is the summary of a test result.
type TestResult struct {
	TestUUID     string       `json:"test_uuid,omitempty"`
	OpenTestUUID string       `json:"open_test_uuid,omitempty"`
	Time         int64        `json:"time,omitempty"`
	TimeString   string       `json:"time_string,omitempty"`
	NetworkType  string       `json:"network_type,omitempty"`
	Measurement  []ResultItem `json:"measurement,omitempty"`
	Net          []ResultItem `json:"net,omitempty"`
	ShareText    string       `json:"share_text,omitempty"`
}

// HistoryResult is the response to a test result request. Summary is set
// for summary requests, Details for full-detail requests.
type HistoryResult struct {
	Summary []TestResult `json:"testresult,omitempty"`
	Details []ResultItem `json:"testresultdetail,omitempty"`
}

// QoSResultEntry is a single QoS sub-test outcome. Its keys depend on the
// test kind.
type QoSResultEntry map[string]any

// QoSResult is the response to a QoS result request.
type QoSResult struct {
	Details     []QoSResultEntry `json:"testresultdetail"`
	Description []QoSResultEntry `json:"testresultdetail_desc,omitempty"`
	TestDesc    []QoSResultEntry `json:"testresultdetail_testdesc,omitempty"`
}

// OpenTestResult is the open data record of a test, as served by the
// statistics server.
type OpenTestResult map[string]any
