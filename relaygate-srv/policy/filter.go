package policy

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	ahocorasick "github.com/BobuSumisu/aho-corasick"
	"github.com/codefionn/relaygate/relaygate-srv/logger"
)

// PatternKind selects how a filter rule matches.
type PatternKind int

const (
	// PatternExact matches the normalized host.
	PatternExact PatternKind = iota
	// PatternDomainSuffix matches the host and all of its subdomains.
	PatternDomainSuffix
	// PatternRegex matches the full request target.
	PatternRegex
)

func (k PatternKind) String() string {
	switch k {
	case PatternDomainSuffix:
		return "domain"
	case PatternRegex:
		return "regex"
	default:
		return "exact"
	}
}

// FilterRule is one filter entry.
type FilterRule struct {
	Kind    PatternKind
	Pattern string
	Action  Action
}

// FilterOptions configure a Filter.
type FilterOptions struct {
	Enabled       bool
	DefaultAction Action
	CaseSensitive bool
}

// Filter decides whether a request target may be fetched. Rules are
// evaluated in order and the first matching rule wins; a request matching
// no rule gets the default action.
type Filter struct {
	opts  FilterOptions
	rules []FilterRule

	exact map[string]int // normalized pattern -> lowest rule index

	suffixTrie     *ahocorasick.Trie
	suffixPatterns []string // trie pattern index -> pattern
	suffixRule     []int    // trie pattern index -> lowest rule index

	regexes  []*regexp.Regexp
	regexIdx []int
}

// NewFilter compiles the rules. An invalid regular expression is an error.
func NewFilter(opts FilterOptions, rules []FilterRule) (*Filter, error) {
	f := &Filter{
		opts:  opts,
		rules: append([]FilterRule(nil), rules...),
		exact: make(map[string]int),
	}

	suffixIndex := make(map[string]int)
	for i, rule := range f.rules {
		switch rule.Kind {
		case PatternExact:
			key := f.normalize(rule.Pattern)
			if _, exists := f.exact[key]; !exists {
				f.exact[key] = i
			}
		case PatternDomainSuffix:
			key := f.normalize(strings.TrimPrefix(rule.Pattern, "."))
			if key == "" {
				continue
			}
			if _, exists := suffixIndex[key]; exists {
				continue
			}
			suffixIndex[key] = len(f.suffixPatterns)
			f.suffixPatterns = append(f.suffixPatterns, key)
			f.suffixRule = append(f.suffixRule, i)
		case PatternRegex:
			expr := rule.Pattern
			if !opts.CaseSensitive {
				expr = "(?i)" + expr
			}
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("filter rule %d: invalid regex %q: %w", i, rule.Pattern, err)
			}
			f.regexes = append(f.regexes, re)
			f.regexIdx = append(f.regexIdx, i)
		}
	}

	if len(f.suffixPatterns) > 0 {
		f.suffixTrie = ahocorasick.NewTrieBuilder().AddStrings(f.suffixPatterns).Build()
	}

	return f, nil
}

// Enabled reports whether the filter is active.
func (f *Filter) Enabled() bool {
	return f.opts.Enabled
}

// Rules returns a copy of the rules in evaluation order.
func (f *Filter) Rules() []FilterRule {
	return append([]FilterRule(nil), f.rules...)
}

func (f *Filter) normalize(host string) string {
	host = strings.TrimSuffix(strings.TrimSpace(host), ".")
	if !f.opts.CaseSensitive {
		host = strings.ToLower(host)
	}
	return host
}

// Evaluate returns the action for a request. host is the destination host
// without port; target is the full request target used by regex rules.
func (f *Filter) Evaluate(host, target string) Action {
	action, _ := f.Match(host, target)
	return action
}

// Match is Evaluate that also returns the index of the deciding rule, or -1
// when the default action applied.
func (f *Filter) Match(host, target string) (Action, int) {
	if !f.opts.Enabled {
		return Allow, -1
	}

	h := f.normalize(strings.TrimSuffix(strings.TrimPrefix(host, "["), "]"))
	best := len(f.rules)

	if idx, ok := f.exact[h]; ok && idx < best {
		best = idx
	}

	if f.suffixTrie != nil {
		for _, match := range f.suffixTrie.MatchString(h) {
			p := match.Pattern()
			if f.suffixRule[p] >= best {
				continue
			}
			pattern := f.suffixPatterns[p]
			if !strings.HasSuffix(h, pattern) {
				continue
			}
			if len(h) == len(pattern) || h[len(h)-len(pattern)-1] == '.' {
				best = f.suffixRule[p]
			}
		}
	}

	for i, re := range f.regexes {
		if f.regexIdx[i] >= best {
			break
		}
		if re.MatchString(target) {
			best = f.regexIdx[i]
			break
		}
	}

	if best < len(f.rules) {
		return f.rules[best].Action, best
	}
	return f.opts.DefaultAction, -1
}

// LoadFilterFile reads one pattern per line. Empty lines and lines starting
// with '#' or ';' are skipped. A leading '.' or "*." makes a domain rule.
// Hosts-file lines ("0.0.0.0 ads.example") contribute their host names.
// With extended set every line is a regular expression; a line that does
// not compile falls back to an exact rule.
func LoadFilterFile(filePath string, action Action, extended bool) ([]FilterRule, error) {
	cleanPath := filepath.Clean(filePath)
	file, err := os.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open filter file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing filter file: %v", closeErr)
		}
	}()

	var rules []FilterRule
	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		if extended {
			if _, err := regexp.Compile(line); err != nil {
				logger.Warn("Invalid regex in filter file %s line %d, matching literally: %v", filePath, lineNo, err)
				rules = append(rules, FilterRule{Kind: PatternExact, Pattern: line, Action: action})
				continue
			}
			rules = append(rules, FilterRule{Kind: PatternRegex, Pattern: line, Action: action})
			continue
		}

		if i := strings.Index(line, "#"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		for _, field := range strings.Fields(line) {
			if field == "0.0.0.0" || field == "127.0.0.1" || field == "::" || field == "::1" {
				continue
			}
			switch {
			case strings.HasPrefix(field, "*."):
				rules = append(rules, FilterRule{Kind: PatternDomainSuffix, Pattern: field[2:], Action: action})
			case strings.HasPrefix(field, "."):
				rules = append(rules, FilterRule{Kind: PatternDomainSuffix, Pattern: field[1:], Action: action})
			default:
				rules = append(rules, FilterRule{Kind: PatternExact, Pattern: field, Action: action})
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading filter file: %w", err)
	}

	if len(rules) == 0 {
		logger.Warn("No patterns found in filter file: %s", filePath)
	} else {
		logger.Debug("Loaded %d filter patterns from %s", len(rules), filePath)
	}
	return rules, nil
}
