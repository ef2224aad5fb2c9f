// Package config holds the process-wide configuration surface: listener
// addresses, the security secret, compute settings, the routing table and the
// component registry. The configuration is loaded once at startup and shared
// read-only across every request; runtime reconfiguration means loading a new
// snapshot and restarting the serving loop.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root of the edgee.yaml file.
type Config struct {
	HTTP       ListenerConfig `yaml:"http"`
	HTTPS      *TLSConfig     `yaml:"https"`
	Monitor    *MonitorConfig `yaml:"monitor"`
	Log        LogConfig      `yaml:"log"`
	Security   SecurityConfig `yaml:"security"`
	Compute    ComputeConfig  `yaml:"compute"`
	Routing    []RouteConfig  `yaml:"routing"`
	Components []Component    `yaml:"components"`
}

type ListenerConfig struct {
	Address    string `yaml:"address"`
	ForceHTTPS bool   `yaml:"force_https"`
}

type TLSConfig struct {
	Address  string `yaml:"address"`
	CertFile string `yaml:"cert"`
	KeyFile  string `yaml:"key"`
}

type MonitorConfig struct {
	Address string `yaml:"address"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type SecurityConfig struct {
	// CookieSecret seeds the HKDF derivation of the cookie AES and HMAC keys.
	CookieSecret string `yaml:"cookie_secret"`
	CookieName   string `yaml:"cookie_name"`
}

type ComputeConfig struct {
	// ProxyOnly disables the whole compute pipeline: no session cookie, no
	// events, no component invocations, no HTML rewriting.
	ProxyOnly bool `yaml:"proxy_only"`

	// EventPath is where the client SDK posts JSON events.
	EventPath string `yaml:"event_path"`

	// BehindProxyCache widens the cacheability check to CDN semantics when
	// deciding whether a response may be computed on.
	BehindProxyCache bool `yaml:"behind_proxy_cache"`

	// Budgets for a single component invocation.
	ComponentTimeout   time.Duration `yaml:"component_timeout"`
	ComponentMaxMemory int64         `yaml:"component_max_memory"`

	// Outbound dispatcher sizing.
	DispatchWorkers   int `yaml:"dispatch_workers"`
	DispatchQueueSize int `yaml:"dispatch_queue_size"`
}

// Component configures one data-collection or edge-function destination.
type Component struct {
	ID       string            `yaml:"id"`
	Path     string            `yaml:"path"`
	Settings map[string]string `yaml:"settings"`
	Debug    bool              `yaml:"debug"`
}

// RouteConfig binds a domain to its backends, rules and redirections.
type RouteConfig struct {
	Domain       string         `yaml:"domain"`
	Backends     []Backend      `yaml:"backends"`
	Rules        []Rule         `yaml:"rules"`
	Redirections []Redirection  `yaml:"redirections"`
}

type Backend struct {
	Name      string `yaml:"name"`
	Address   string `yaml:"address"`
	EnableSSL bool   `yaml:"enable_ssl"`
	Default   bool   `yaml:"default"`
}

// Rule matches a request path against exactly one of Path, PathPrefix or
// PathRegexp. Rules are evaluated in declaration order; the first match wins.
type Rule struct {
	Path       string `yaml:"path"`
	PathPrefix string `yaml:"path_prefix"`
	PathRegexp string `yaml:"path_regexp"`
	Rewrite    string `yaml:"rewrite"`
	Backend    string `yaml:"backend"`
}

type Redirection struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
}

// Defaults applied by Load when the file leaves a field unset.
const (
	DefaultCookieName = "edgee"
	DefaultEventPath  = "/_edgee/event"

	defaultComponentTimeout   = 5 * time.Second
	defaultComponentMaxMemory = 64 << 20
	defaultDispatchWorkers    = 8
	defaultDispatchQueueSize  = 256
)

// Load reads and validates a configuration file. Any error returned here is
// fatal: the process must not start serving with a broken routing table or an
// unloadable component.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.Address == "" {
		c.HTTP.Address = ":8080"
	}
	if c.Security.CookieName == "" {
		c.Security.CookieName = DefaultCookieName
	}
	if c.Compute.EventPath == "" {
		c.Compute.EventPath = DefaultEventPath
	}
	if c.Compute.ComponentTimeout == 0 {
		c.Compute.ComponentTimeout = defaultComponentTimeout
	}
	if c.Compute.ComponentMaxMemory == 0 {
		c.Compute.ComponentMaxMemory = defaultComponentMaxMemory
	}
	if c.Compute.DispatchWorkers <= 0 {
		c.Compute.DispatchWorkers = defaultDispatchWorkers
	}
	if c.Compute.DispatchQueueSize <= 0 {
		c.Compute.DispatchQueueSize = defaultDispatchQueueSize
	}
}

func (c *Config) validate() error {
	if len(c.Routing) == 0 {
		return fmt.Errorf("config: no routing entries")
	}
	for _, route := range c.Routing {
		if route.Domain == "" {
			return fmt.Errorf("config: routing entry without domain")
		}
		defaults := 0
		names := map[string]bool{}
		for _, b := range route.Backends {
			if b.Name == "" || b.Address == "" {
				return fmt.Errorf("config: domain %q: backend needs name and address", route.Domain)
			}
			if names[b.Name] {
				return fmt.Errorf("config: domain %q: duplicate backend %q", route.Domain, b.Name)
			}
			names[b.Name] = true
			if b.Default {
				defaults++
			}
		}
		if defaults != 1 {
			return fmt.Errorf("config: domain %q: exactly one default backend required, got %d", route.Domain, defaults)
		}
		for _, r := range route.Rules {
			set := 0
			for _, m := range []string{r.Path, r.PathPrefix, r.PathRegexp} {
				if m != "" {
					set++
				}
			}
			if set != 1 {
				return fmt.Errorf("config: domain %q: rule must set exactly one of path, path_prefix, path_regexp", route.Domain)
			}
			if r.PathRegexp != "" {
				if _, err := regexp.Compile(r.PathRegexp); err != nil {
					return fmt.Errorf("config: domain %q: bad path_regexp %q: %w", route.Domain, r.PathRegexp, err)
				}
			}
			if r.Backend != "" && !names[r.Backend] {
				return fmt.Errorf("config: domain %q: rule references unknown backend %q", route.Domain, r.Backend)
			}
		}
	}
	if !c.Compute.ProxyOnly && len(c.Components) > 0 && c.Security.CookieSecret == "" {
		return fmt.Errorf("config: security.cookie_secret is required when components are configured")
	}
	seen := map[string]bool{}
	for _, comp := range c.Components {
		if comp.ID == "" || comp.Path == "" {
			return fmt.Errorf("config: component needs id and path")
		}
		if seen[comp.ID] {
			return fmt.Errorf("config: duplicate component id %q", comp.ID)
		}
		seen[comp.ID] = true
	}
	return nil
}
