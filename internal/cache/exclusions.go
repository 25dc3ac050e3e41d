package cache

import (
	"fmt"
	"regexp"
	"strings"
)

// Exclusions lists models whose embeddings are never cached. A rule
// wrapped in slashes ("/^text-embedding-3/") is a regular expression;
// anything else matches a model name exactly, ignoring case.
//
// A nil *Exclusions excludes nothing.
type Exclusions struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// ParseExclusions compiles rules. An invalid pattern is an error so bad
// configuration fails at startup.
func ParseExclusions(rules []string) (*Exclusions, error) {
	ex := &Exclusions{exact: make(map[string]struct{}, len(rules))}

	for _, r := range rules {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if len(r) > 2 && strings.HasPrefix(r, "/") && strings.HasSuffix(r, "/") {
			re, err := regexp.Compile(r[1 : len(r)-1])
			if err != nil {
				return nil, fmt.Errorf("cache: invalid exclusion pattern %q: %w", r, err)
			}
			ex.patterns = append(ex.patterns, re)
			continue
		}
		ex.exact[strings.ToLower(r)] = struct{}{}
	}

	return ex, nil
}

// Excluded reports whether model must bypass the cache.
func (ex *Exclusions) Excluded(model string) bool {
	if ex == nil {
		return false
	}
	if _, ok := ex.exact[strings.ToLower(model)]; ok {
		return true
	}
	for _, re := range ex.patterns {
		if re.MatchString(model) {
			return true
		}
	}
	return false
}

func (ex *Exclusions) Len() int {
	if ex == nil {
		return 0
	}
	return len(ex.exact) + len(ex.patterns)
}
