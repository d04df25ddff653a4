package control

import (
	"net/http"

	"github.com/charmbracelet/log"
)

// Config is the configuration for a Client.
type Config struct {
	// BaseURL is the control server to use until the settings advertise a
	// different one. If empty, the server is obtained by querying the
	// configured Locator, or spec.DefaultBaseURL is used.
	BaseURL string

	// UUID is a previously persisted client identity. If empty, the client
	// registers with the control server on its first identity-gated call.
	UUID string

	// Type is the client type reported to the server (e.g. "DESKTOP").
	Type string
	// Platform is the client platform. Defaults to runtime.GOOS.
	Platform string
	// OSVersion is the operating system version, if known.
	OSVersion string
	// Model is the device model, if known.
	Model string
	// VersionCode is the numeric client version.
	VersionCode int
	// Language is the language for server-generated text (e.g. "en").
	Language string
	// Timezone is the client's IANA timezone, if known.
	Timezone string

	// HTTPClient is used for every request. Its Timeout bounds each single
	// request. Defaults to a client with spec.DefaultRequestTimeout.
	HTTPClient *http.Client

	// Locator, if set, is queried for a control server when BaseURL is empty.
	Locator Locator

	// Emitter observes operations. Defaults to Discard.
	Emitter Emitter

	// Logger defaults to log.Default().
	Logger *log.Logger
}
