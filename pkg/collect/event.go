// Package collect builds canonical analytics events from inbound requests.
// An event is either posted as JSON by the client SDK or reconstructed on the
// edge from a raw page request; either way it ends up as the same Event
// record, enriched with request-derived context, and is immutable once built.
package collect

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/edgee-cloud/edgee-go/pkg/session"
)

// ErrValidation marks client input the pipeline refuses to process. The
// proxy surfaces it as HTTP 400 on the event endpoint.
var ErrValidation = errors.New("collect: invalid event")

type EventType string

const (
	EventPage  EventType = "page"
	EventTrack EventType = "track"
	EventUser  EventType = "user"
)

type Consent string

const (
	ConsentPending Consent = "pending"
	ConsentGranted Consent = "granted"
	ConsentDenied  Consent = "denied"
)

// Event is one page view, tracked action or user identification. One Event
// drives at most one round of component invocations.
type Event struct {
	UUID      string    `json:"uuid"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Data      EventData `json:"data"`
	Context   Context   `json:"context"`
	Consent   Consent   `json:"consent,omitempty"`
}

// EventData is the per-type payload; exactly the field matching the event
// type is set.
type EventData struct {
	Page  *PageData  `json:"page,omitempty"`
	Track *TrackData `json:"track,omitempty"`
	User  *UserData  `json:"user,omitempty"`
}

// UnmarshalJSON accepts both shapes the client SDKs emit for the per-type
// payload: nested under the type key ({"data":{"track":{"name":...}}}) and
// flat ({"data":{"name":...}}).
func (e *Event) UnmarshalJSON(b []byte) error {
	var wire struct {
		UUID      string          `json:"uuid"`
		Timestamp time.Time       `json:"timestamp"`
		Type      EventType       `json:"type"`
		Data      json.RawMessage `json:"data"`
		Context   Context         `json:"context"`
		Consent   Consent         `json:"consent"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	e.UUID = wire.UUID
	e.Timestamp = wire.Timestamp
	e.Type = wire.Type
	e.Context = wire.Context
	e.Consent = wire.Consent
	e.Data = EventData{}

	if len(wire.Data) == 0 || string(wire.Data) == "null" {
		return nil
	}
	var keyed map[string]json.RawMessage
	if err := json.Unmarshal(wire.Data, &keyed); err != nil {
		return fmt.Errorf("event data: %w", err)
	}
	pick := func(key string) json.RawMessage {
		if raw, ok := keyed[key]; ok {
			return raw
		}
		return wire.Data
	}

	switch wire.Type {
	case EventTrack:
		var data TrackData
		if err := json.Unmarshal(pick("track"), &data); err != nil {
			return fmt.Errorf("track data: %w", err)
		}
		e.Data.Track = &data
	case EventUser:
		var data UserData
		if err := json.Unmarshal(pick("user"), &data); err != nil {
			return fmt.Errorf("user data: %w", err)
		}
		e.Data.User = &data
	default:
		// page, including payloads that leave the type implicit
		var data PageData
		if err := json.Unmarshal(pick("page"), &data); err != nil {
			return fmt.Errorf("page data: %w", err)
		}
		e.Data.Page = &data
	}
	return nil
}

type PageData struct {
	Name       string         `json:"name,omitempty"`
	Category   string         `json:"category,omitempty"`
	Keywords   []string       `json:"keywords,omitempty"`
	Title      string         `json:"title,omitempty"`
	URL        string         `json:"url,omitempty"`
	Path       string         `json:"path,omitempty"`
	Search     string         `json:"search,omitempty"`
	Referrer   string         `json:"referrer,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

type TrackData struct {
	Name       string         `json:"name,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

type UserData struct {
	UserID      string         `json:"userId,omitempty"`
	AnonymousID string         `json:"anonymousId,omitempty"`
	EdgeeID     string         `json:"edgeeId,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
}

// Context is the ambient metadata attached to an event. Fields are filled
// incrementally; a later source never overwrites an already-populated field.
type Context struct {
	Page     PageData        `json:"page,omitempty"`
	User     UserData        `json:"user,omitempty"`
	Client   Client          `json:"client,omitempty"`
	Campaign Campaign        `json:"campaign,omitempty"`
	Session  session.Session `json:"session"`
}

type Client struct {
	IP       string `json:"ip,omitempty"`
	Locale   string `json:"locale,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	UserAgent string `json:"userAgent,omitempty"`

	// Low-entropy client hints, one per sec-ch-ua-* header.
	UAArchitecture    string `json:"uaa,omitempty"`
	UABitness         string `json:"uab,omitempty"`
	UAFullVersionList string `json:"uafvl,omitempty"`
	UAMobile          string `json:"uamb,omitempty"`
	UAModel           string `json:"uam,omitempty"`
	OSName            string `json:"osName,omitempty"`
	OSVersion         string `json:"osVersion,omitempty"`

	ScreenWidth   int `json:"screenWidth,omitempty"`
	ScreenHeight  int `json:"screenHeight,omitempty"`
	ScreenDensity int `json:"screenDensity,omitempty"`

	Continent   string `json:"continent,omitempty"`
	CountryCode string `json:"countryCode,omitempty"`
	CountryName string `json:"countryName,omitempty"`
	Region      string `json:"region,omitempty"`
	City        string `json:"city,omitempty"`
}

type Campaign struct {
	Name            string `json:"name,omitempty"`
	Source          string `json:"source,omitempty"`
	Medium          string `json:"medium,omitempty"`
	Term            string `json:"term,omitempty"`
	Content         string `json:"content,omitempty"`
	CreativeFormat  string `json:"creativeFormat,omitempty"`
	MarketingTactic string `json:"marketingTactic,omitempty"`
}
