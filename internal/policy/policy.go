// Package policy decides whether a request may leave the network: its
// destination must be allow-listed and its text must not match a known
// prompt-injection rule. Evaluation is pure and deterministic for a given
// configuration; the configuration itself can be swapped at runtime.
package policy

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync/atomic"
)

// ErrViolation is wrapped by every *Violation.
var ErrViolation = errors.New("policy violation")

// Kind tells which check denied a request.
type Kind string

const (
	KindNone        Kind = ""
	KindDestination Kind = "destination"
	KindContent     Kind = "content"
)

// Rule is one content rule. Pattern is a regular expression matched
// case-insensitively.
type Rule struct {
	ID      string `yaml:"id" json:"id"`
	Pattern string `yaml:"pattern" json:"pattern"`
}

// Config is the policy source: allowed destinations plus content rules.
// Phrases are literal, case-insensitive substrings.
type Config struct {
	AllowedHosts []string
	Rules        []Rule
	Phrases      []string
}

// Decision is the outcome of an evaluation.
type Decision struct {
	Allowed bool
	Kind    Kind
	RuleID  string
	Host    string
	Reason  string
}

// Err returns nil for an allowed decision and a *Violation otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &Violation{Decision: d}
}

// Violation is the error form of a denying Decision. Its message names the
// host or rule, never the offending text.
type Violation struct {
	Decision Decision
}

func (v *Violation) Error() string {
	switch v.Decision.Kind {
	case KindDestination:
		return fmt.Sprintf("policy violation: destination %q is not allowed", v.Decision.Host)
	default:
		return fmt.Sprintf("policy violation: content matched rule %s", v.Decision.RuleID)
	}
}

func (v *Violation) Unwrap() error { return ErrViolation }

type compiledRule struct {
	id     string
	re     *regexp.Regexp
	phrase string
}

type ruleset struct {
	exact     map[string]bool
	wildcards []string // "*.x": subdomains of x only, stored as ".x"
	domains   []string // ".x": x and its subdomains, stored as "x"
	rules     []compiledRule
	hosts     int
}

// Gate evaluates requests against the current ruleset.
type Gate struct {
	current atomic.Pointer[ruleset]
}

// NewGate compiles cfg.
func NewGate(cfg Config) (*Gate, error) {
	g := &Gate{}
	if err := g.Reload(cfg); err != nil {
		return nil, err
	}
	return g, nil
}

// Reload compiles cfg and swaps it in. On error the previous ruleset stays.
func (g *Gate) Reload(cfg Config) error {
	rs, err := compile(cfg)
	if err != nil {
		return err
	}
	g.current.Store(rs)
	return nil
}

// Stats reports the size of the active ruleset.
func (g *Gate) Stats() (hosts, rules int) {
	rs := g.current.Load()
	return rs.hosts, len(rs.rules)
}

func compile(cfg Config) (*ruleset, error) {
	rs := &ruleset{exact: make(map[string]bool)}
	for _, h := range cfg.AllowedHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		switch {
		case h == "":
			continue
		case strings.HasPrefix(h, "*."):
			rs.wildcards = append(rs.wildcards, h[1:])
		case strings.HasPrefix(h, "."):
			rs.domains = append(rs.domains, h[1:])
		default:
			rs.exact[normalizeHost(h)] = true
		}
		rs.hosts++
	}

	seen := make(map[string]bool)
	for i, r := range cfg.Rules {
		id := strings.TrimSpace(r.ID)
		if id == "" {
			id = fmt.Sprintf("rule-%d", i+1)
		}
		if seen[id] {
			return nil, fmt.Errorf("policy: duplicate rule id %q", id)
		}
		seen[id] = true
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("policy: rule %s: %w", id, err)
		}
		rs.rules = append(rs.rules, compiledRule{id: id, re: re})
	}
	for i, p := range cfg.Phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		rs.rules = append(rs.rules, compiledRule{id: fmt.Sprintf("phrase-%d", i+1), phrase: p})
	}
	return rs, nil
}

// normalizeHost lower-cases host and strips any port and trailing dot.
func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
	return strings.TrimSuffix(host, ".")
}

func (rs *ruleset) hostAllowed(host string) bool {
	if host == "" {
		return false
	}
	if rs.exact[host] {
		return true
	}
	for _, w := range rs.wildcards {
		if strings.HasSuffix(host, w) && len(host) > len(w) {
			return true
		}
	}
	for _, d := range rs.domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func (rs *ruleset) match(texts []string) (string, bool) {
	for _, text := range texts {
		var lower string
		for _, r := range rs.rules {
			if r.re != nil {
				if r.re.MatchString(text) {
					return r.id, true
				}
				continue
			}
			if lower == "" {
				lower = strings.ToLower(text)
			}
			if strings.Contains(lower, r.phrase) {
				return r.id, true
			}
		}
	}
	return "", false
}

// CheckHost evaluates the destination only.
func (g *Gate) CheckHost(host string) Decision {
	return evaluateHost(g.current.Load(), host)
}

// CheckContent evaluates the texts only.
func (g *Gate) CheckContent(texts []string) Decision {
	return evaluateContent(g.current.Load(), texts)
}

// Evaluate checks the destination, then the texts, against one snapshot of
// the ruleset.
func (g *Gate) Evaluate(host string, texts []string) Decision {
	rs := g.current.Load()
	if d := evaluateHost(rs, host); !d.Allowed {
		return d
	}
	d := evaluateContent(rs, texts)
	d.Host = normalizeHost(host)
	return d
}

func evaluateHost(rs *ruleset, host string) Decision {
	h := normalizeHost(host)
	if !rs.hostAllowed(h) {
		return Decision{Kind: KindDestination, Host: h, Reason: "destination not allow-listed"}
	}
	return Decision{Allowed: true, Host: h}
}

func evaluateContent(rs *ruleset, texts []string) Decision {
	if id, hit := rs.match(texts); hit {
		return Decision{Kind: KindContent, RuleID: id, Reason: "adversarial content"}
	}
	return Decision{Allowed: true}
}
