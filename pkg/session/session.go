// Package session derives a stable visitor identity from an encrypted cookie
// and applies the session continuation policy. Crypto failures are never
// surfaced: a cookie that is missing, corrupted, or minted under another key
// simply yields a fresh session.
package session

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Timeout after which a returning visitor starts a new session.
const Timeout = 30 * time.Minute

const cookieMaxAge = 365 * 24 * time.Hour

// record is the wire format of the cookie payload. The short field names are
// the contract with existing cookies; do not rename them.
type record struct {
	ID        uuid.UUID  `json:"id"`
	FirstSeen time.Time  `json:"fs"`
	LastSeen  time.Time  `json:"ls"`
	Start     time.Time  `json:"ss"`
	Previous  *time.Time `json:"ps,omitempty"`
	Count     uint32     `json:"sc"`
	Screen    string     `json:"sz,omitempty"`
}

// Session is the per-request session view handed to the event pipeline.
// The json tags are the serialized contract with components and the data
// layer.
type Session struct {
	ID         string    `json:"session_id"`
	PreviousID string    `json:"previous_session_id,omitempty"`
	Count      uint32    `json:"session_count"`
	Start      bool      `json:"session_start"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
}

// State is a resolved identity for one request. It is owned by the request
// and must be written back via Codec.Write so the continuation survives.
type State struct {
	rec   record
	fresh bool
}

// Codec encrypts and decrypts session cookies with a process-wide keyring.
type Codec struct {
	keys       *keyring
	cookieName string
	secure     bool

	// now is swappable for tests.
	now func() time.Time
}

func NewCodec(secret, cookieName string, secure bool) (*Codec, error) {
	keys, err := newKeyring(secret)
	if err != nil {
		return nil, err
	}
	if cookieName == "" {
		cookieName = "edgee"
	}
	return &Codec{keys: keys, cookieName: cookieName, secure: secure, now: time.Now}, nil
}

// Resolve finds the session cookie on the request and applies the
// continuation rule. Any decrypt or parse failure degrades to a fresh
// session; Resolve never fails.
func (c *Codec) Resolve(r *http.Request) *State {
	cookie, err := r.Cookie(c.cookieName)
	if err != nil || cookie.Value == "" {
		return c.freshState()
	}

	plaintext, err := c.keys.decrypt(cookie.Value)
	if err != nil {
		return c.freshState()
	}
	var rec record
	if err := json.Unmarshal(plaintext, &rec); err != nil || rec.ID == uuid.Nil {
		return c.freshState()
	}

	now := c.now()
	if now.Sub(rec.LastSeen) <= Timeout {
		rec.LastSeen = now
	} else {
		prev := rec.Start
		rec.Previous = &prev
		rec.Count++
		rec.Start = now
		rec.LastSeen = now
	}
	return &State{rec: rec}
}

func (c *Codec) freshState() *State {
	now := c.now()
	return &State{
		rec: record{
			ID:        uuid.New(),
			FirstSeen: now,
			LastSeen:  now,
			Start:     now,
			Count:     1,
		},
		fresh: true,
	}
}

// Session returns the continuation view of the state. Session ids are the
// unix timestamp of the session-start instant, which makes them unique per
// visitor and strictly increasing across rotations.
func (s *State) Session() Session {
	out := Session{
		ID:        strconv.FormatInt(s.rec.Start.Unix(), 10),
		Count:     s.rec.Count,
		Start:     s.fresh || s.rec.Start.Equal(s.rec.LastSeen),
		FirstSeen: s.rec.FirstSeen,
		LastSeen:  s.rec.LastSeen,
	}
	if s.rec.Previous != nil {
		out.PreviousID = strconv.FormatInt(s.rec.Previous.Unix(), 10)
	}
	return out
}

// EdgeeID is the stable anonymous visitor id carried by the cookie.
func (s *State) EdgeeID() string { return s.rec.ID.String() }

// Screen returns the remembered screen geometry, if any, as width, height,
// density.
func (s *State) Screen() (int, int, int, bool) {
	parts := strings.Split(s.rec.Screen, "x")
	if len(parts) != 3 {
		return 0, 0, 0, false
	}
	w, errW := strconv.Atoi(parts[0])
	h, errH := strconv.Atoi(parts[1])
	d, errD := strconv.Atoi(parts[2])
	if errW != nil || errH != nil || errD != nil {
		return 0, 0, 0, false
	}
	return w, h, d, true
}

// RememberScreen stores the client screen geometry in the cookie so
// server-built events keep it across non-JS page views.
func (s *State) RememberScreen(width, height, density int) {
	if width == 0 || height == 0 {
		return
	}
	s.rec.Screen = fmt.Sprintf("%dx%dx%d", width, height, density)
}

// Write encrypts the state back into a Set-Cookie header on the response.
func (c *Codec) Write(header http.Header, host string, s *State) error {
	plaintext, err := json.Marshal(s.rec)
	if err != nil {
		return err
	}
	value, err := c.keys.encrypt(plaintext)
	if err != nil {
		return err
	}
	cookie := &http.Cookie{
		Name:     c.cookieName,
		Value:    value,
		Domain:   rootDomain(host),
		Path:     "/",
		Expires:  c.now().Add(cookieMaxAge),
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	}
	header.Add("Set-Cookie", cookie.String())
	return nil
}

// rootDomain widens the cookie scope to the registrable domain so it is
// shared across subdomains. IPs and single-label hosts are used as-is.
func rootDomain(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if net.ParseIP(host) != nil {
		return host
	}
	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host
	}
	return strings.Join(labels[len(labels)-2:], ".")
}
