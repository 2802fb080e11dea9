// Package rules evaluates the exclude rules configured per mount.
package rules

import (
	"fmt"
	"regexp"

	"rammingen-go/internal/client/fspath"
)

// Rule excludes local paths from a sync run. Exactly one field is set.
// Name rules match the final path element; path rules match the whole
// sanitized path.
type Rule struct {
	NameEquals  string `toml:"name_equals,omitempty"`
	NameMatches string `toml:"name_matches,omitempty"`
	PathEquals  string `toml:"path_equals,omitempty"`
	PathMatches string `toml:"path_matches,omitempty"`
}

type compiledRule struct {
	nameEquals  string
	nameMatches *regexp.Regexp
	pathEquals  fspath.SanitizedLocalPath
	pathMatches *regexp.Regexp
}

// Rules is the compiled rule set for one mount, rooted at the mount's local
// path. A match on any ancestor below the root excludes the whole subtree.
type Rules struct {
	rules []compiledRule
	root  fspath.SanitizedLocalPath
	cache map[fspath.SanitizedLocalPath]bool
}

// Compile builds the evaluator from rule groups (global rules first, then
// per-mount rules).
func Compile(groups [][]Rule, root fspath.SanitizedLocalPath) (*Rules, error) {
	var compiled []compiledRule
	for _, group := range groups {
		for _, rule := range group {
			c, err := compileRule(rule)
			if err != nil {
				return nil, err
			}
			compiled = append(compiled, c)
		}
	}
	return &Rules{
		rules: compiled,
		root:  root,
		cache: map[fspath.SanitizedLocalPath]bool{},
	}, nil
}

func compileRule(rule Rule) (compiledRule, error) {
	var c compiledRule
	set := 0
	if rule.NameEquals != "" {
		c.nameEquals = rule.NameEquals
		set++
	}
	if rule.NameMatches != "" {
		re, err := regexp.Compile(rule.NameMatches)
		if err != nil {
			return c, fmt.Errorf("invalid name_matches pattern %q: %w", rule.NameMatches, err)
		}
		c.nameMatches = re
		set++
	}
	if rule.PathEquals != "" {
		p, err := fspath.New(rule.PathEquals)
		if err != nil {
			return c, fmt.Errorf("invalid path_equals %q: %w", rule.PathEquals, err)
		}
		c.pathEquals = p
		set++
	}
	if rule.PathMatches != "" {
		re, err := regexp.Compile(rule.PathMatches)
		if err != nil {
			return c, fmt.Errorf("invalid path_matches pattern %q: %w", rule.PathMatches, err)
		}
		c.pathMatches = re
		set++
	}
	if set != 1 {
		return c, fmt.Errorf("exclude rule must set exactly one matcher, got %d", set)
	}
	return c, nil
}

// Excluded reports whether a path is dropped from the run. The mount root
// itself is never excluded.
func (r *Rules) Excluded(path fspath.SanitizedLocalPath) bool {
	if cached, ok := r.cache[path]; ok {
		return cached
	}
	excluded := r.excluded(path)
	r.cache[path] = excluded
	return excluded
}

func (r *Rules) excluded(path fspath.SanitizedLocalPath) bool {
	if path == r.root {
		return false
	}
	if parent, ok := path.Parent(); ok && parent != r.root {
		if r.Excluded(parent) {
			return true
		}
	}
	name := path.Name()
	for _, rule := range r.rules {
		switch {
		case rule.nameEquals != "" && rule.nameEquals == name:
			return true
		case rule.nameMatches != nil && rule.nameMatches.MatchString(name):
			return true
		case rule.pathEquals != "" && rule.pathEquals == path:
			return true
		case rule.pathMatches != nil && rule.pathMatches.MatchString(path.String()):
			return true
		}
	}
	return false
}
