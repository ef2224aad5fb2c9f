package proxy

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/edgee-cloud/edgee-go/pkg/config"
)

// Target is the resolved upstream for one request: which backend to call
// and the path-and-query to call it with.
type Target struct {
	Backend config.Backend
	Path    string
}

type rule struct {
	cfg config.Rule
	re  *regexp.Regexp
}

type route struct {
	def       config.Backend
	backends  map[string]config.Backend
	rules     []rule
	redirects map[string]string
}

// Table maps hosts to their routes. Built once at startup and read-only
// afterwards, so lookups need no locking.
type Table struct {
	routes map[string]*route
}

func NewTable(cfgs []config.RouteConfig) (*Table, error) {
	t := &Table{routes: make(map[string]*route, len(cfgs))}
	for _, rc := range cfgs {
		rt := &route{
			backends:  make(map[string]config.Backend, len(rc.Backends)),
			redirects: make(map[string]string, len(rc.Redirections)),
		}
		for _, b := range rc.Backends {
			rt.backends[b.Name] = b
			if b.Default {
				rt.def = b
			}
		}
		for _, rd := range rc.Redirections {
			rt.redirects[rd.Source] = rd.Target
		}
		for _, r := range rc.Rules {
			entry := rule{cfg: r}
			if r.PathRegexp != "" {
				re, err := regexp.Compile(r.PathRegexp)
				if err != nil {
					return nil, fmt.Errorf("domain %q: path_regexp %q: %w", rc.Domain, r.PathRegexp, err)
				}
				entry.re = re
			}
			rt.rules = append(rt.rules, entry)
		}
		t.routes[strings.ToLower(rc.Domain)] = rt
	}
	return t, nil
}

// Redirect reports the configured redirection target for a path on a
// domain, if any.
func (t *Table) Redirect(host, path string) (string, bool) {
	rt, ok := t.routes[normalizeHost(host)]
	if !ok {
		return "", false
	}
	target, ok := rt.redirects[path]
	return target, ok
}

// Resolve picks the backend and upstream path for a request. Rules run in
// declaration order and the first match wins; without a match the domain's
// default backend serves the path unchanged. ok is false only when the host
// has no route at all.
func (t *Table) Resolve(host, pathAndQuery string) (Target, bool) {
	rt, ok := t.routes[normalizeHost(host)]
	if !ok {
		return Target{}, false
	}
	for _, r := range rt.rules {
		switch {
		case r.cfg.Path != "":
			if pathAndQuery != r.cfg.Path {
				continue
			}
			path := r.cfg.Path
			if r.cfg.Rewrite != "" {
				path = r.cfg.Rewrite
			}
			return Target{Backend: rt.pick(r.cfg.Backend), Path: path}, true
		case r.cfg.PathPrefix != "":
			if !strings.HasPrefix(pathAndQuery, r.cfg.PathPrefix) {
				continue
			}
			path := pathAndQuery
			if r.cfg.Rewrite != "" {
				path = strings.Replace(pathAndQuery, r.cfg.PathPrefix, r.cfg.Rewrite, 1)
			}
			return Target{Backend: rt.pick(r.cfg.Backend), Path: path}, true
		default:
			if !r.re.MatchString(pathAndQuery) {
				continue
			}
			path := pathAndQuery
			if r.cfg.Rewrite != "" {
				path = replaceFirst(r.re, pathAndQuery, r.cfg.Rewrite)
			}
			return Target{Backend: rt.pick(r.cfg.Backend), Path: path}, true
		}
	}
	return Target{Backend: rt.def, Path: pathAndQuery}, true
}

func (rt *route) pick(name string) config.Backend {
	if name == "" {
		return rt.def
	}
	if b, ok := rt.backends[name]; ok {
		return b
	}
	return rt.def
}

// replaceFirst rewrites only the first regexp match, expanding $1 style
// capture references from the replacement.
func replaceFirst(re *regexp.Regexp, s, replacement string) string {
	loc := re.FindStringSubmatchIndex(s)
	if loc == nil {
		return s
	}
	out := append([]byte{}, s[:loc[0]]...)
	out = re.ExpandString(out, replacement, s, loc)
	out = append(out, s[loc[1]:]...)
	return string(out)
}

func normalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}
