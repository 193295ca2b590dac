// Package rule holds the header-rewrite rule set evaluated against every
// intercepted request. Evaluation is pure, rules are immutable after startup.
package rule

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/lo"
)

// DefaultHeader is the header the original sgtm debug workflow rewrites.
const DefaultHeader = "X-Gtm-Server-Preview"

// Rule sets one header on every request whose host contains HostContains.
// Matching is case-sensitive substring containment against the request
// host without port.
type Rule struct {
	HostContains string `json:"host_contains"`
	Header       string `json:"header"`
	Value        string `json:"value"`
}

func (r Rule) String() string {
	return fmt.Sprintf("%v -> %v: %v", r.HostContains, r.Header, r.Value)
}

func (r Rule) matches(host string) bool {
	return strings.Contains(host, r.HostContains)
}

// Set is an ordered rule list. Rules are evaluated in configuration
// order and every matching rule applies, so the last write wins on
// conflicting header names.
type Set struct {
	rules []Rule
}

// NewSet validates the rules and freezes them into a Set.
func NewSet(rules []Rule) (*Set, error) {
	bad := lo.Filter(rules, func(r Rule, _ int) bool {
		return r.HostContains == "" || r.Header == ""
	})
	if len(bad) > 0 {
		return nil, errors.New("rule: host_contains and header must be non-empty")
	}
	return &Set{rules: rules}, nil
}

// Rules returns the configured rules in evaluation order.
func (s *Set) Rules() []Rule {
	return s.rules
}

func (s *Set) Empty() bool {
	return len(s.rules) == 0
}

// Apply mutates header in place for every rule whose HostContains is a
// substring of host, overwriting any prior value, and returns the
// matched rules in evaluation order. Applying twice yields the same
// headers as applying once.
func (s *Set) Apply(host string, header http.Header) []Rule {
	var matched []Rule
	for _, r := range s.rules {
		if r.matches(host) {
			header.Set(r.Header, r.Value)
			matched = append(matched, r)
		}
	}
	return matched
}
