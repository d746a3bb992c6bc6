// Package budgetreq decodes prepare request bodies into ordered budget
// consumption entries.
package budgetreq

import (
	"fmt"
	"math"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/net/publicsuffix"

	"pkt.systems/pbsd/api"
	"pkt.systems/pbsd/internal/core"
)

// Parser turns a prepare body into budget entries. The returned order matches
// the order of keys in the body.
type Parser interface {
	Parse(body []byte, authorizedDomain, transactionOrigin string) ([]core.ConsumeBudgetMetadata, error)
	Mode() string
}

// Mode names.
const (
	ModeLegacy = "legacy"
	ModeSite   = "site"
)

// NewParser returns the site-aware parser when siteAsAuthorizedDomain is set.
func NewParser(siteAsAuthorizedDomain bool) Parser {
	if siteAsAuthorizedDomain {
		return siteParser{}
	}
	return legacyParser{}
}

// legacyParser scopes keys by the caller's authorized domain. Version 2.0
// reporting origins must live under that domain.
type legacyParser struct{}

func (legacyParser) Mode() string { return ModeLegacy }

func (legacyParser) Parse(body []byte, authorizedDomain, _ string) ([]core.ConsumeBudgetMetadata, error) {
	authorizedDomain = strings.TrimSpace(authorizedDomain)
	if authorizedDomain == "" {
		return nil, core.InvalidRequest("authorized domain is required")
	}
	domainHost := hostOf(authorizedDomain)
	return parse(body, authorizedDomain, func(origin *url.URL) error {
		host := strings.ToLower(origin.Hostname())
		if host == domainHost || strings.HasSuffix(host, "."+domainHost) {
			return nil
		}
		return core.InvalidRequest("reporting origin %q is outside authorized domain %q", origin.String(), authorizedDomain)
	})
}

// siteParser treats the adtech site (scheme + eTLD+1) as the authorized
// domain. Keys are scoped by the transaction origin.
type siteParser struct{}

func (siteParser) Mode() string { return ModeSite }

func (siteParser) Parse(body []byte, authorizedDomain, transactionOrigin string) ([]core.ConsumeBudgetMetadata, error) {
	scope := strings.TrimSpace(transactionOrigin)
	if scope == "" {
		scope = strings.TrimSpace(authorizedDomain)
	}
	if scope == "" {
		return nil, core.InvalidRequest("transaction origin or authorized domain is required")
	}
	want, err := Site(scope)
	if err != nil {
		return nil, core.InvalidRequest("derive site of %q: %v", scope, err)
	}
	return parse(body, scope, func(origin *url.URL) error {
		got, err := Site(origin.String())
		if err != nil {
			return core.InvalidRequest("derive site of %q: %v", origin.String(), err)
		}
		if got != want {
			return core.InvalidRequest("reporting origin %q does not belong to site %q", origin.String(), want)
		}
		return nil
	})
}

// Site returns scheme://eTLD+1 for an origin. Bare hosts are treated as https.
func Site(origin string) (string, error) {
	u, err := parseOrigin(origin)
	if err != nil {
		return "", err
	}
	etld1, err := publicsuffix.EffectiveTLDPlusOne(strings.ToLower(u.Hostname()))
	if err != nil {
		return "", err
	}
	return u.Scheme + "://" + etld1, nil
}

func parse(body []byte, v1Scope string, checkOrigin func(*url.URL) error) ([]core.ConsumeBudgetMetadata, error) {
	if len(body) == 0 {
		return nil, core.InvalidRequest("empty request body")
	}
	if !gjson.ValidBytes(body) {
		return nil, core.InvalidRequest("request body is not valid JSON")
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, core.InvalidRequest("request body must be a JSON object")
	}
	b := newBuilder()
	switch version := root.Get("v").String(); version {
	case api.BudgetRequestV1:
		keys := root.Get("t")
		if !keys.IsArray() {
			return nil, core.InvalidRequest("field t must be an array")
		}
		if err := b.addKeys(v1Scope, keys); err != nil {
			return nil, err
		}
	case api.BudgetRequestV2:
		data := root.Get("data")
		if !data.IsArray() {
			return nil, core.InvalidRequest("field data must be an array")
		}
		for i, group := range data.Array() {
			origin, err := parseReportingOrigin(group.Get("reporting_origin").String())
			if err != nil {
				return nil, core.InvalidRequest("data[%d].reporting_origin: %v", i, err)
			}
			if err := checkOrigin(origin); err != nil {
				return nil, err
			}
			keys := group.Get("keys")
			if !keys.IsArray() {
				return nil, core.InvalidRequest("data[%d].keys must be an array", i)
			}
			if err := b.addKeys(origin.String(), keys); err != nil {
				return nil, err
			}
		}
	default:
		return nil, core.InvalidRequest("unsupported request version %q", version)
	}
	return b.out, nil
}

// maxReportingTime is the last instant representable in int64 nanoseconds.
var maxReportingTime = time.Unix(0, math.MaxInt64).UTC()

type builder struct {
	out  []core.ConsumeBudgetMetadata
	seen map[string]struct{}
}

func newBuilder() *builder {
	return &builder{seen: make(map[string]struct{})}
}

func (b *builder) addKeys(scope string, keys gjson.Result) error {
	for _, entry := range keys.Array() {
		meta, err := decodeKey(scope, entry)
		if err != nil {
			return err
		}
		dedupe := fmt.Sprintf("%s\x00%d", meta.BudgetKey, meta.TimeBucket)
		if _, dup := b.seen[dedupe]; dup {
			return core.InvalidRequest("duplicate budget key %q in time bucket %d", meta.BudgetKey, meta.TimeBucket)
		}
		b.seen[dedupe] = struct{}{}
		b.out = append(b.out, meta)
	}
	return nil
}

func decodeKey(scope string, entry gjson.Result) (core.ConsumeBudgetMetadata, error) {
	if !entry.IsObject() {
		return core.ConsumeBudgetMetadata{}, core.InvalidRequest("budget entry must be an object")
	}
	key := entry.Get("key")
	if key.Type != gjson.String || strings.TrimSpace(key.Str) == "" {
		return core.ConsumeBudgetMetadata{}, core.InvalidRequest("budget entry requires a key")
	}
	tokens := int64(1)
	if tok := entry.Get("token"); tok.Exists() {
		if tok.Type != gjson.Number || tok.Num != float64(int64(tok.Num)) {
			return core.ConsumeBudgetMetadata{}, core.InvalidRequest("token for %q must be an integer", key.Str)
		}
		tokens = tok.Int()
	}
	if tokens < 1 || tokens > core.MaxTokenCount {
		return core.ConsumeBudgetMetadata{}, core.InvalidRequest("token for %q must be between 1 and %d", key.Str, core.MaxTokenCount)
	}
	reported := entry.Get("reporting_time")
	if reported.Type != gjson.String {
		return core.ConsumeBudgetMetadata{}, core.InvalidRequest("reporting_time for %q is required", key.Str)
	}
	ts, err := time.Parse(time.RFC3339, reported.Str)
	if err != nil {
		return core.ConsumeBudgetMetadata{}, core.InvalidRequest("reporting_time for %q: %v", key.Str, err)
	}
	if ts.Before(time.Unix(0, 0)) {
		return core.ConsumeBudgetMetadata{}, core.InvalidRequest("reporting_time for %q precedes the epoch", key.Str)
	}
	if ts.After(maxReportingTime) {
		return core.ConsumeBudgetMetadata{}, core.InvalidRequest("reporting_time for %q is past %s", key.Str, maxReportingTime.Format(time.RFC3339))
	}
	return core.ConsumeBudgetMetadata{
		BudgetKey:  scope + "/" + key.Str,
		TimeBucket: core.TimeBucketFor(ts),
		TokenCount: int8(tokens),
	}, nil
}

func parseOrigin(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("origin is empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("origin %q has no host", raw)
	}
	return u, nil
}

// parseReportingOrigin accepts scheme://host[:port] only and returns it in
// canonical form: lowercase host, default port dropped. Every spelling of an
// origin must yield the same budget scope.
func parseReportingOrigin(raw string) (*url.URL, error) {
	u, err := parseOrigin(raw)
	if err != nil {
		return nil, err
	}
	if u.User != nil {
		return nil, fmt.Errorf("origin %q carries user info", raw)
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.ForceQuery || u.Fragment != "" {
		return nil, fmt.Errorf("origin %q must not carry a path, query or fragment", raw)
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return nil, fmt.Errorf("origin %q has no host", raw)
	}
	port := u.Port()
	if (u.Scheme == "https" && port == "443") || (u.Scheme == "http" && port == "80") {
		port = ""
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return &url.URL{Scheme: u.Scheme, Host: host}, nil
}

func hostOf(domain string) string {
	if u, err := parseOrigin(domain); err == nil {
		return strings.ToLower(u.Hostname())
	}
	return strings.ToLower(domain)
}
