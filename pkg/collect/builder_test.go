package collect

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgee-cloud/edgee-go/pkg/session"
)

func testState(t *testing.T) *session.State {
	t.Helper()
	codec, err := session.NewCodec("test-secret", "edgee", false)
	require.NoError(t, err)
	return codec.Resolve(httptest.NewRequest(http.MethodGet, "http://www.example.com/", nil))
}

func TestTrackWithoutNameIsRejected(t *testing.T) {
	b := NewBuilder()
	req := httptest.NewRequest(http.MethodPost, "http://www.example.com/_edgee/event", nil)

	_, err := b.FromJSON([]byte(`{"type":"track","data":{"track":{}}}`), req, "https", "203.0.113.7", testState(t))
	assert.ErrorIs(t, err, ErrValidation)

	_, err = b.FromJSON([]byte(`{"type":"track"}`), req, "https", "203.0.113.7", testState(t))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestMalformedJSONIsRejected(t *testing.T) {
	b := NewBuilder()
	req := httptest.NewRequest(http.MethodPost, "http://www.example.com/_edgee/event", nil)

	_, err := b.FromJSON([]byte(`{`), req, "https", "203.0.113.7", testState(t))
	assert.ErrorIs(t, err, ErrValidation)

	_, err = b.FromJSON([]byte(`{"type":"bogus"}`), req, "https", "203.0.113.7", testState(t))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestTrackEventCarriesNameAndContext(t *testing.T) {
	b := NewBuilder()
	req := httptest.NewRequest(http.MethodPost, "http://www.example.com/_edgee/event", nil)
	req.Header.Set("User-Agent", "test-agent")

	event, err := b.FromJSON([]byte(`{"type":"track","data":{"track":{"name":"Signup"}}}`), req, "https", "203.0.113.7", testState(t))
	require.NoError(t, err)

	assert.Equal(t, EventTrack, event.Type)
	assert.Equal(t, "Signup", event.Data.Track.Name)
	assert.NotEmpty(t, event.UUID)
	assert.Equal(t, ConsentPending, event.Consent)
	assert.Equal(t, "test-agent", event.Context.Client.UserAgent)
	assert.NotEmpty(t, event.Context.User.EdgeeID)
	assert.True(t, event.Context.Session.Start)
}

func TestEventDataShapes(t *testing.T) {
	b := NewBuilder()
	req := httptest.NewRequest(http.MethodPost, "http://www.example.com/_edgee/event", nil)

	// flat, the shape the client SDK posts
	event, err := b.FromJSON([]byte(`{"type":"track","data":{"name":"Signup"}}`), req, "https", "203.0.113.7", testState(t))
	require.NoError(t, err)
	assert.Equal(t, "Signup", event.Data.Track.Name)

	// nested under the type key
	event, err = b.FromJSON([]byte(`{"type":"track","data":{"track":{"name":"Signup"}}}`), req, "https", "203.0.113.7", testState(t))
	require.NoError(t, err)
	assert.Equal(t, "Signup", event.Data.Track.Name)

	event, err = b.FromJSON([]byte(`{"type":"user","data":{"userId":"u-1"}}`), req, "https", "203.0.113.7", testState(t))
	require.NoError(t, err)
	assert.Equal(t, "u-1", event.Data.User.UserID)

	event, err = b.FromJSON([]byte(`{"type":"page","data":{"title":"Home"}}`), req, "https", "203.0.113.7", testState(t))
	require.NoError(t, err)
	assert.Equal(t, "Home", event.Data.Page.Title)
}

func TestFirstWriteWinsOnContext(t *testing.T) {
	b := NewBuilder()
	req := httptest.NewRequest(http.MethodPost, "http://www.example.com/checkout?utm_source=ads", nil)
	req.Header.Set("Referer", "http://referrer.example.com/")

	body := []byte(`{
		"type": "page",
		"context": {
			"page": {"url": "https://client.example.com/override", "referrer": "https://client-referrer.example.com/"},
			"campaign": {"source": "newsletter"}
		}
	}`)
	event, err := b.FromJSON(body, req, "https", "203.0.113.7", testState(t))
	require.NoError(t, err)

	// Client-provided values survive; only gaps are filled.
	assert.Equal(t, "https://client.example.com/override", event.Context.Page.URL)
	assert.Equal(t, "https://client-referrer.example.com/", event.Context.Page.Referrer)
	assert.Equal(t, "newsletter", event.Context.Campaign.Source)
	assert.Equal(t, "/checkout", event.Context.Page.Path)
}

func TestPageViewSynthesizesEdgeSideEvent(t *testing.T) {
	b := NewBuilder()
	req := httptest.NewRequest(http.MethodGet, "http://www.example.com/pricing?utm_campaign=launch&utm_medium=cpc", nil)
	req.Header.Set("Accept-Language", "fr-FR,fr;q=0.9,en;q=0.5")
	req.Header.Set("Sec-CH-UA-Platform", `"macOS"`)
	req.Header.Set("Sec-CH-UA-Mobile", "?0")

	event := b.PageView(req, "https", "203.0.113.7", testState(t))

	assert.Equal(t, EventPage, event.Type)
	require.NotNil(t, event.Data.Page)
	assert.Equal(t, "https://www.example.com/pricing", event.Data.Page.URL)
	assert.Equal(t, "/pricing", event.Data.Page.Path)
	assert.Equal(t, "?utm_campaign=launch&utm_medium=cpc", event.Data.Page.Search)
	assert.Equal(t, "launch", event.Context.Campaign.Name)
	assert.Equal(t, "cpc", event.Context.Campaign.Medium)
	assert.Equal(t, "fr-FR", event.Context.Client.Locale)
	assert.Equal(t, "macOS", event.Context.Client.OSName)
	assert.Equal(t, "0", event.Context.Client.UAMobile)
}

func TestClientIPIsAnonymized(t *testing.T) {
	b := NewBuilder()
	req := httptest.NewRequest(http.MethodGet, "http://www.example.com/", nil)

	event := b.PageView(req, "https", "203.0.113.77", testState(t))
	assert.Equal(t, "203.0.113.0", event.Context.Client.IP)

	event = b.PageView(req, "https", "2001:db8:abcd:12ff:fe80:1:2:3", testState(t))
	assert.Equal(t, "2001:db8:abcd::", event.Context.Client.IP)
}

func TestScreenGeometryPersistsThroughCookie(t *testing.T) {
	b := NewBuilder()
	state := testState(t)
	req := httptest.NewRequest(http.MethodPost, "http://www.example.com/_edgee/event", nil)

	body := []byte(`{"type":"page","context":{"client":{"screenWidth":1440,"screenHeight":900,"screenDensity":2}}}`)
	_, err := b.FromJSON(body, req, "https", "203.0.113.7", state)
	require.NoError(t, err)

	// A later edge-side event on the same session sees the remembered geometry.
	event := b.PageView(httptest.NewRequest(http.MethodGet, "http://www.example.com/next", nil), "https", "203.0.113.7", state)
	assert.Equal(t, 1440, event.Context.Client.ScreenWidth)
	assert.Equal(t, 900, event.Context.Client.ScreenHeight)
	assert.Equal(t, 2, event.Context.Client.ScreenDensity)
}
