// Package rules evaluates data-driven role and practice-type constraints
// over (visitor, session) candidates. Rules are configuration, not code:
// one generic evaluator handles every group.
package rules

import (
	"fmt"
	"sort"
	"strings"

	"github.com/camlane/agendas/internal/config"
)

// Rule kinds, matched against different visitor attributes.
const (
	KindRole         = "role"
	KindPracticeType = "practice_type"
)

// Rule is one evaluable constraint: a named group of attribute values with
// the streams it forbids or prefers. Lower priority evaluates first.
type Rule struct {
	Group            string
	Kind             string
	Members          map[string]bool
	ForbiddenStreams map[string]bool
	PreferredStreams map[string]bool
	Boost            float64
	Priority         int
}

// Verdict is the outcome of evaluating all applicable rules for a pair.
type Verdict struct {
	Deny     bool
	DeniedBy string  // group name that produced the deny
	Boost    float64 // accumulated boost; meaningless when Deny is set
}

// Engine evaluates rules in priority order. The first deny short-circuits;
// deny always wins over any boost.
type Engine struct {
	rules        []Rule
	roleAttr     string
	practiceAttr string
}

// NewEngine builds an engine from the rules config. Returns an error for
// unknown kinds so misconfigured events fail before any scoring.
func NewEngine(cfg config.RulesConfig) (*Engine, error) {
	rules := make([]Rule, 0, len(cfg.Groups))
	for _, g := range cfg.Groups {
		if g.Kind != KindRole && g.Kind != KindPracticeType {
			return nil, fmt.Errorf("rules: group %s has unknown kind %q", g.Name, g.Kind)
		}
		rules = append(rules, Rule{
			Group:            g.Name,
			Kind:             g.Kind,
			Members:          toSet(g.Members),
			ForbiddenStreams: toSet(g.ForbiddenStreams),
			PreferredStreams: toSet(g.PreferredStreams),
			Boost:            g.Boost,
			Priority:         g.Priority,
		})
	}

	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })

	return &Engine{
		rules:        rules,
		roleAttr:     cfg.RoleAttribute,
		practiceAttr: cfg.PracticeAttribute,
	}, nil
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			set[strings.ToLower(v)] = true
		}
	}
	return set
}

// applies reports whether a rule's group contains the visitor's matching
// attribute value. Visitors with a missing attribute never match.
func (r *Rule) applies(attrs map[string]string, roleAttr, practiceAttr string) bool {
	attr := roleAttr
	if r.Kind == KindPracticeType {
		attr = practiceAttr
	}
	value := config.NormalizeAttr(attrs[attr])
	if value == "" {
		return false
	}
	return r.Members[strings.ToLower(value)]
}

// Evaluate runs every applicable rule against a visitor's attributes and a
// session's stream labels, in priority order.
func (e *Engine) Evaluate(attrs map[string]string, streams []string) Verdict {
	lowered := make([]string, len(streams))
	for i, s := range streams {
		lowered[i] = strings.ToLower(strings.TrimSpace(s))
	}

	var verdict Verdict
	for i := range e.rules {
		r := &e.rules[i]
		if !r.applies(attrs, e.roleAttr, e.practiceAttr) {
			continue
		}
		for _, stream := range lowered {
			if r.ForbiddenStreams[stream] {
				return Verdict{Deny: true, DeniedBy: r.Group}
			}
		}
		for _, stream := range lowered {
			if r.PreferredStreams[stream] {
				verdict.Boost += r.Boost
				break
			}
		}
	}
	return verdict
}

// Violation is a persisted pair an applicable rule denies. Any violation in
// final output is an invariant breach.
type Violation struct {
	VisitorID string
	SessionID string
	Group     string
}

func (v Violation) String() string {
	return fmt.Sprintf("visitor %s -> session %s denied by rule group %s", v.VisitorID, v.SessionID, v.Group)
}

// CheckAll exhaustively scans (visitor attrs, session streams) pairs and
// returns every deny found. Used as the post-persist zero-violation check.
func (e *Engine) CheckAll(pairs []CheckPair) []Violation {
	var violations []Violation
	for _, p := range pairs {
		verdict := e.Evaluate(p.Attrs, p.Streams)
		if verdict.Deny {
			violations = append(violations, Violation{
				VisitorID: p.VisitorID,
				SessionID: p.SessionID,
				Group:     verdict.DeniedBy,
			})
		}
	}
	return violations
}

// CheckPair is one persisted recommendation pair under verification.
type CheckPair struct {
	VisitorID string
	SessionID string
	Attrs     map[string]string
	Streams   []string
}
