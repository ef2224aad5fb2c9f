package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "edgee.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const minimal = `
routing:
  - domain: example.com
    backends:
      - name: demo
        address: 127.0.0.1:3000
        default: true
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimal))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Address)
	assert.Equal(t, DefaultCookieName, cfg.Security.CookieName)
	assert.Equal(t, DefaultEventPath, cfg.Compute.EventPath)
	assert.Equal(t, 5*time.Second, cfg.Compute.ComponentTimeout)
	assert.Equal(t, int64(64<<20), cfg.Compute.ComponentMaxMemory)
	assert.Equal(t, 8, cfg.Compute.DispatchWorkers)
	assert.Equal(t, 256, cfg.Compute.DispatchQueueSize)
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
http:
  address: ":80"
  force_https: true
security:
  cookie_secret: s3cret
compute:
  component_timeout: 2s
routing:
  - domain: example.com
    backends:
      - name: demo
        address: 127.0.0.1:3000
        default: true
      - name: api
        address: 127.0.0.1:4000
        enable_ssl: true
    rules:
      - path_prefix: /api/
        backend: api
        rewrite: /v1/
    redirections:
      - source: /old
        target: https://example.com/new
components:
  - id: amplitude
    path: components/amplitude.wasm
    settings:
      amplitude_api_key: k
`))
	require.NoError(t, err)

	assert.True(t, cfg.HTTP.ForceHTTPS)
	assert.Equal(t, 2*time.Second, cfg.Compute.ComponentTimeout)
	require.Len(t, cfg.Routing, 1)
	assert.True(t, cfg.Routing[0].Backends[1].EnableSSL)
	assert.Equal(t, "/v1/", cfg.Routing[0].Rules[0].Rewrite)
	require.Len(t, cfg.Components, 1)
	assert.Equal(t, "k", cfg.Components[0].Settings["amplitude_api_key"])
}

func TestValidationErrors(t *testing.T) {
	cases := map[string]string{
		"no routing": ``,
		"no default backend": `
routing:
  - domain: example.com
    backends:
      - name: demo
        address: 127.0.0.1:3000
`,
		"two default backends": `
routing:
  - domain: example.com
    backends:
      - name: a
        address: h:1
        default: true
      - name: b
        address: h:2
        default: true
`,
		"rule with two matchers": `
routing:
  - domain: example.com
    backends:
      - name: demo
        address: h:1
        default: true
    rules:
      - path: /a
        path_prefix: /b
`,
		"bad regexp": `
routing:
  - domain: example.com
    backends:
      - name: demo
        address: h:1
        default: true
    rules:
      - path_regexp: "("
`,
		"rule references unknown backend": `
routing:
  - domain: example.com
    backends:
      - name: demo
        address: h:1
        default: true
    rules:
      - path: /a
        backend: nope
`,
		"components without cookie secret": `
routing:
  - domain: example.com
    backends:
      - name: demo
        address: h:1
        default: true
components:
  - id: a
    path: a.wasm
`,
		"duplicate component id": `
security:
  cookie_secret: s
routing:
  - domain: example.com
    backends:
      - name: demo
        address: h:1
        default: true
components:
  - id: a
    path: a.wasm
  - id: a
    path: b.wasm
`,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}
