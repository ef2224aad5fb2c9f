package collect

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/edgee-cloud/edgee-go/pkg/session"
)

// Builder produces canonical events. The zero value is not usable; use
// NewBuilder.
type Builder struct {
	now func() time.Time
}

func NewBuilder() *Builder {
	return &Builder{now: time.Now}
}

// FromJSON decodes an event posted by the client SDK, validates it and fills
// every context field the client left empty from the request itself.
func (b *Builder) FromJSON(body []byte, r *http.Request, proto, clientIP string, state *session.State) (*Event, error) {
	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	switch event.Type {
	case EventPage, EventTrack, EventUser:
	case "":
		event.Type = EventPage
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrValidation, event.Type)
	}
	if event.Type == EventTrack && (event.Data.Track == nil || event.Data.Track.Name == "") {
		return nil, fmt.Errorf("%w: track event without name", ErrValidation)
	}

	b.finish(&event, r, proto, clientIP, state)
	return &event, nil
}

// PageView synthesizes an edge-side page event for clients that never ran
// the SDK (non-JS flows). The whole context comes from the request.
func (b *Builder) PageView(r *http.Request, proto, clientIP string, state *session.State) *Event {
	event := &Event{Type: EventPage}
	b.finish(event, r, proto, clientIP, state)

	page := event.Context.Page
	event.Data.Page = &page
	return event
}

func (b *Builder) finish(event *Event, r *http.Request, proto, clientIP string, state *session.State) {
	if event.UUID == "" {
		event.UUID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now()
	}
	if event.Consent == "" {
		event.Consent = ConsentPending
	}

	enrichPage(&event.Context.Page, r, proto)
	enrichClient(&event.Context.Client, r, clientIP, state)
	enrichCampaign(&event.Context.Campaign, r)

	event.Context.User.EdgeeID = state.EdgeeID()
	event.Context.Session = state.Session()

	if event.Context.Client.ScreenWidth > 0 {
		state.RememberScreen(
			event.Context.Client.ScreenWidth,
			event.Context.Client.ScreenHeight,
			event.Context.Client.ScreenDensity,
		)
	}

	// The page data of a page event mirrors the page context; keep whichever
	// side the client filled and complete the other.
	if event.Type == EventPage && event.Data.Page != nil {
		mergePage(event.Data.Page, &event.Context.Page)
	}
}

// enrichPage fills page context gaps from the request line. First write
// wins: anything the client already set is kept.
func enrichPage(page *PageData, r *http.Request, proto string) {
	if page.URL == "" {
		page.URL = fmt.Sprintf("%s://%s%s", proto, r.Host, r.URL.Path)
	}
	if page.Path == "" {
		page.Path = r.URL.Path
	}
	if page.Search == "" && r.URL.RawQuery != "" {
		page.Search = "?" + r.URL.RawQuery
	}
	if page.Search != "" && !strings.HasPrefix(page.Search, "?") {
		page.Search = "?" + page.Search
	}
	if page.Referrer == "" {
		page.Referrer = r.Header.Get("Referer")
	}
}

func enrichClient(client *Client, r *http.Request, clientIP string, state *session.State) {
	if client.IP == "" {
		client.IP = anonymizeIP(clientIP)
	}
	if client.UserAgent == "" {
		client.UserAgent = r.Header.Get("User-Agent")
	}
	if client.Locale == "" {
		client.Locale = primaryLocale(r.Header.Get("Accept-Language"))
	}

	hint := func(dst *string, header string) {
		if *dst == "" {
			*dst = strings.Trim(r.Header.Get(header), `"`)
		}
	}
	hint(&client.UAArchitecture, "Sec-CH-UA-Arch")
	hint(&client.UABitness, "Sec-CH-UA-Bitness")
	hint(&client.UAFullVersionList, "Sec-CH-UA")
	hint(&client.UAMobile, "Sec-CH-UA-Mobile")
	hint(&client.UAModel, "Sec-CH-UA-Model")
	hint(&client.OSName, "Sec-CH-UA-Platform")
	hint(&client.OSVersion, "Sec-CH-UA-Platform-Version")
	client.UAMobile = strings.TrimPrefix(client.UAMobile, "?")

	if client.ScreenWidth == 0 {
		if w, h, d, ok := state.Screen(); ok {
			client.ScreenWidth, client.ScreenHeight, client.ScreenDensity = w, h, d
		}
	}
}

func enrichCampaign(campaign *Campaign, r *http.Request) {
	query := r.URL.Query()
	utm := func(dst *string, key string) {
		if *dst == "" {
			*dst = query.Get(key)
		}
	}
	utm(&campaign.Name, "utm_campaign")
	utm(&campaign.Source, "utm_source")
	utm(&campaign.Medium, "utm_medium")
	utm(&campaign.Term, "utm_term")
	utm(&campaign.Content, "utm_content")
	utm(&campaign.CreativeFormat, "utm_creative_format")
	utm(&campaign.MarketingTactic, "utm_marketing_tactic")
}

func mergePage(data, ctx *PageData) {
	if data.URL == "" {
		data.URL = ctx.URL
	}
	if data.Path == "" {
		data.Path = ctx.Path
	}
	if data.Search == "" {
		data.Search = ctx.Search
	}
	if data.Title == "" {
		data.Title = ctx.Title
	}
	if data.Referrer == "" {
		data.Referrer = ctx.Referrer
	}
	if ctx.URL == "" {
		ctx.URL = data.URL
	}
	if ctx.Title == "" {
		ctx.Title = data.Title
	}
}

// anonymizeIP zeroes the host part of the address before any component sees
// it: the last octet for IPv4, the last ten bytes for IPv6.
func anonymizeIP(raw string) string {
	ip := net.ParseIP(raw)
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		masked := v4.Mask(net.CIDRMask(24, 32))
		return masked.String()
	}
	masked := ip.Mask(net.CIDRMask(48, 128))
	return masked.String()
}

func primaryLocale(acceptLanguage string) string {
	if acceptLanguage == "" {
		return ""
	}
	first := strings.Split(acceptLanguage, ",")[0]
	return strings.TrimSpace(strings.Split(first, ";")[0])
}
