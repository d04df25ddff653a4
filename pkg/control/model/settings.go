// Package model contains the messages exchanged with the RMBT control server.
package model

// ClientInfo describes the client software and platform. It is embedded in
// the requests that need to identify the client beyond its UUID.
type ClientInfo struct {
	// Name is the protocol-level client name (e.g. "RMBT").
	Name string `json:"name"`
	// Type is the client type (e.g. "MOBILE", "DESKTOP").
	Type string `json:"type"`
	// Platform is the client's operating system family. The wire name is
	// the one expected by the control server.
	Platform string `json:"plattform"`
	// OSVersion is the version of the operating system.
	OSVersion string `json:"os_version,omitempty"`
	// Model is the device model, if known.
	Model string `json:"model,omitempty"`
	// VersionName is the client software version.
	VersionName string `json:"version_name"`
	// VersionCode is the numeric client software version.
	VersionCode int `json:"version_code,omitempty"`
	// Language is the preferred language for server-generated text.
	Language string `json:"language,omitempty"`
	// Timezone is the client's IANA timezone.
	Timezone string `json:"timezone,omitempty"`
}

// SettingsRequest is the body of a settings request. A request without a
// UUID registers a new client.
type SettingsRequest struct {
	ClientInfo

	UUID string `json:"uuid,omitempty"`

	TermsAndConditionsAccepted        bool `json:"terms_and_conditions_accepted"`
	TermsAndConditionsAcceptedVersion int  `json:"terms_and_conditions_accepted_version,omitempty"`
}

// SettingsResponse is the response to a settings request.
type SettingsResponse struct {
	Settings []Settings `json:"settings"`
	Error    []string   `json:"error,omitempty"`
}

// Settings is the configuration the control server hands out to clients.
type Settings struct {
	// UUID is the client identity. It is only guaranteed to be present on
	// the first registration.
	UUID string `json:"uuid,omitempty"`

	// History is the history filter vocabulary, e.g. "devices" => ["iPhone"].
	History map[string][]string `json:"history,omitempty"`

	// QoSTestTypes maps QoS test kinds to their display names.
	QoSTestTypes []QoSTestTypeDesc `json:"qostesttype_desc,omitempty"`

	URLs      SettingsURLs `json:"urls"`
	MapServer *MapServer   `json:"map_server,omitempty"`

	Capabilities Capabilities `json:"capabilities,omitempty"`
}

// QoSTestTypeDesc is a QoS test kind with its display name.
type QoSTestTypeDesc struct {
	TestType string `json:"test_type"`
	Name     string `json:"name"`
}

// SettingsURLs are the auxiliary endpoints advertised by the control server.
type SettingsURLs struct {
	// ControlServer, if set, replaces the configured control server URL.
	ControlServer string `json:"control_server,omitempty"`
	// OpenDataPrefix is the base URL used to build open test links.
	OpenDataPrefix string `json:"open_data_prefix,omitempty"`
	// MapServer is the map server URL.
	MapServer string `json:"url_map_server,omitempty"`
	// Statistics is the statistics server, which also serves open data.
	Statistics string `json:"statistics,omitempty"`
}

// MapServer describes the map server as a host/port pair.
type MapServer struct {
	Host string `json:"host"`
	Port int    `json:"port,omitempty"`
	SSL  bool   `json:"ssl"`
}

// Capabilities are the server-advertised feature flags. A value is either a
// boolean or a structured object.
type Capabilities map[string]any

// Enabled returns true if the named capability is present and is not an
// explicit false.
func (c Capabilities) Enabled(name string) bool {
	v, ok := c[name]
	if !ok || v == nil {
		return false
	}
	if b, isBool := v.(bool); isBool {
		return b
	}
	return true
}

// Clone returns a deep copy of c.
func (c Capabilities) Clone() Capabilities {
	if c == nil {
		return nil
	}
	out := make(Capabilities, len(c))
	for k, v := range c {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	default:
		return v
	}
}
