// Package filter decides which scraped items an outlet keeps.
package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/devpouya/swissnews/internal/model"
)

// Item is the text of a scraped article matched against filters.
type Item struct {
	Title   string
	Content string
}

type rule struct {
	include bool
	scope   model.FilterScope
	keyword string
	re      *regexp.Regexp
}

func (r rule) matches(item Item) bool {
	var text string
	switch r.scope {
	case model.ScopeTitle:
		text = item.Title
	case model.ScopeContent:
		text = item.Content
	default:
		text = item.Title + " " + item.Content
	}
	if r.re != nil {
		return r.re.MatchString(text)
	}
	return strings.Contains(strings.ToLower(text), r.keyword)
}

// Set is a compiled list of outlet filters. Any matching exclude rule
// rejects an item; when include rules exist, at least one must match.
type Set struct {
	rules    []rule
	includes int
}

// Compile checks filters and prepares them for matching. Keywords and
// patterns are case-insensitive.
func Compile(filters []model.Filter) (*Set, error) {
	s := &Set{rules: make([]rule, 0, len(filters))}
	for i, f := range filters {
		if strings.TrimSpace(f.Value) == "" {
			return nil, fmt.Errorf("filter %d: empty value", i)
		}
		switch f.Scope {
		case model.ScopeTitle, model.ScopeContent, model.ScopeAll:
		default:
			return nil, fmt.Errorf("filter %d: unknown scope %q", i, f.Scope)
		}

		r := rule{scope: f.Scope}
		switch f.Kind {
		case model.FilterInclude, model.FilterExclude:
			r.keyword = strings.ToLower(f.Value)
		case model.FilterIncludeRe, model.FilterExcludeRe:
			re, err := compile(f.Value)
			if err != nil {
				return nil, fmt.Errorf("filter %d: %w", i, err)
			}
			r.re = re
		default:
			return nil, fmt.Errorf("filter %d: unknown kind %q", i, f.Kind)
		}
		if f.Kind == model.FilterInclude || f.Kind == model.FilterIncludeRe {
			r.include = true
			s.includes++
		}
		s.rules = append(s.rules, r)
	}
	return s, nil
}

// Match reports whether item passes the set. An empty set passes everything.
func (s *Set) Match(item Item) bool {
	included := false
	for _, r := range s.rules {
		if !r.matches(item) {
			continue
		}
		if !r.include {
			return false
		}
		included = true
	}
	return s.includes == 0 || included
}

// TitleOnly reports whether every rule reads only the title, so items can
// be filtered before their article page is fetched.
func (s *Set) TitleOnly() bool {
	for _, r := range s.rules {
		if r.scope != model.ScopeTitle {
			return false
		}
	}
	return true
}

// Validate checks that every filter has a known kind and scope, a value,
// and, for regex kinds, a pattern that compiles.
func Validate(filters []model.Filter) error {
	_, err := Compile(filters)
	return err
}

// ValidateRegex checks whether a pattern is a valid regular expression.
func ValidateRegex(pattern string) error {
	_, err := compile(pattern)
	return err
}

func compile(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex: %w", err)
	}
	return re, nil
}
