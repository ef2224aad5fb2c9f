// Package wasm hosts the sandboxed data-collection components. Each
// component is a WebAssembly guest exposing the call surface page/track/user
// plus an optional authenticate; the host passes events in over linear
// memory and gets back a declarative HTTP intent. Guests have no ambient
// I/O: every network effect is mediated by the EdgeeRequest/AuthRequest
// values they return.
package wasm

import (
	"github.com/goccy/go-json"

	"github.com/edgee-cloud/edgee-go/pkg/collect"
)

// abiVersion is the guest interface version this host speaks. A guest
// reporting anything else is rejected at load time.
const abiVersion = 1

// Exports every component must provide.
const (
	exportVersion = "edgee_abi_version"
	exportAlloc   = "alloc"
	exportMemory  = "memory"

	exportPage  = "page"
	exportTrack = "track"
	exportUser  = "user"
	exportAuth  = "authenticate"
)

// EdgeeRequest is the HTTP intent a component returns from a data call. The
// component never executes it; the host hands it to the dispatcher.
type EdgeeRequest struct {
	Method               string            `json:"method"`
	URL                  string            `json:"url"`
	Headers              map[string]string `json:"headers,omitempty"`
	ForwardClientHeaders bool              `json:"forward_client_headers,omitempty"`
	Body                 string            `json:"body,omitempty"`
}

// AuthRequest describes how the host obtains a bearer token on behalf of a
// component.
type AuthRequest struct {
	Method                string            `json:"method"`
	URL                   string            `json:"url"`
	Headers               map[string]string `json:"headers,omitempty"`
	TokenDuration         int64             `json:"token_duration,omitempty"`
	ResponseTokenProperty string            `json:"response_token_property_name,omitempty"`
	ComponentTokenSetting string            `json:"component_token_setting_name"`
	Body                  string            `json:"body,omitempty"`
}

// callInput is the JSON envelope written into guest memory for a data call.
type callInput struct {
	Event    *collect.Event    `json:"event,omitempty"`
	Settings map[string]string `json:"settings"`
}

// callResult is the envelope every guest function returns: exactly one of
// ok or err is set.
type callResult struct {
	OK  json.RawMessage `json:"ok,omitempty"`
	Err string          `json:"err,omitempty"`
}

func exportFor(eventType collect.EventType) string {
	switch eventType {
	case collect.EventTrack:
		return exportTrack
	case collect.EventUser:
		return exportUser
	default:
		return exportPage
	}
}
