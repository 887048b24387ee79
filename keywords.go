package gatekeep

import (
	"regexp"
	"strings"
	"sync"

	"github.com/cloudflare/ahocorasick"
	"github.com/maxbolgarin/errm"
)

// KeywordSet matches one field (message text, display name or profile bio)
// against three tiers of terms, in order:
//
//  1. exact: case-insensitive full-string equality;
//  2. substring: multi-pattern search over the lower-cased value using an
//     Aho-Corasick automaton, first match in scan order wins;
//  3. regex: ordered case-insensitive patterns, first matching pattern wins.
//
// Mutations rebuild the substring automaton; rebuilds are not incremental.
type KeywordSet struct {
	mu        sync.RWMutex
	exact     map[string]string // lowered -> original
	substr    []string          // lowered, automaton dictionary order
	automaton *ahocorasick.Matcher
	regex     []*regexp.Regexp
	regexSrc  []string // original "/pattern/" forms
}

// NewKeywordSet builds a set from its persisted form.
// Invalid regex entries are skipped and reported in the returned error list,
// the rest of the set still works.
func NewKeywordSet(cfg FieldKeywords) (*KeywordSet, error) {
	s := &KeywordSet{
		exact: make(map[string]string, len(cfg.Exact)),
	}

	for _, term := range cfg.Exact {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		s.exact[strings.ToLower(term)] = term
	}

	for _, term := range cfg.Substring {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		s.substr = append(s.substr, strings.ToLower(term))
	}

	errList := errm.NewList()
	for _, src := range cfg.Regex {
		src = strings.TrimSpace(src)
		if src == "" {
			continue
		}
		re, err := compileKeywordRegex(src)
		if err != nil {
			errList.Add(errm.Wrap(err, "compile keyword regex"))
			continue
		}
		s.regex = append(s.regex, re)
		s.regexSrc = append(s.regexSrc, wrapRegex(src))
	}

	s.rebuild()

	return s, errList.Err()
}

// Check returns the first matched keyword for value, or false when the value
// hits nothing. The empty value never matches.
func (s *KeywordSet) Check(value string) (string, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	lowered := strings.ToLower(value)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if term, ok := s.exact[lowered]; ok {
		return term, true
	}

	if s.automaton != nil {
		if hits := s.automaton.Match([]byte(lowered)); len(hits) > 0 {
			return s.substr[hits[0]], true
		}
	}

	for i, re := range s.regex {
		if re.MatchString(value) {
			return s.regexSrc[i], true
		}
	}

	return "", false
}

// AddExact adds an exact term. Returns false when it is already present.
func (s *KeywordSet) AddExact(term string) bool {
	term = strings.TrimSpace(term)
	if term == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lowered := strings.ToLower(term)
	if _, ok := s.exact[lowered]; ok {
		return false
	}
	s.exact[lowered] = term
	return true
}

// Add adds a substring term, or a regex pattern when term has the
// "/pattern/" form. Returns false when the term is already present.
func (s *KeywordSet) Add(term string) (bool, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if isRegexTerm(term) {
		for _, src := range s.regexSrc {
			if src == term {
				return false, nil
			}
		}
		re, err := compileKeywordRegex(term)
		if err != nil {
			return false, errm.Wrap(err, "compile keyword regex")
		}
		s.regex = append(s.regex, re)
		s.regexSrc = append(s.regexSrc, term)
		return true, nil
	}

	lowered := strings.ToLower(term)
	for _, kw := range s.substr {
		if kw == lowered {
			return false, nil
		}
	}
	s.substr = append(s.substr, lowered)
	s.rebuild()
	return true, nil
}

// Remove drops term from whichever tier holds it.
// Returns false when the term is not present.
func (s *KeywordSet) Remove(term string) bool {
	term = strings.TrimSpace(term)
	if term == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lowered := strings.ToLower(term)

	if _, ok := s.exact[lowered]; ok {
		delete(s.exact, lowered)
		return true
	}

	for i, kw := range s.substr {
		if kw == lowered {
			s.substr = append(s.substr[:i], s.substr[i+1:]...)
			s.rebuild()
			return true
		}
	}

	wrapped := wrapRegex(term)
	for i, src := range s.regexSrc {
		if src == wrapped || src == term {
			s.regex = append(s.regex[:i], s.regex[i+1:]...)
			s.regexSrc = append(s.regexSrc[:i], s.regexSrc[i+1:]...)
			return true
		}
	}

	return false
}

// Config returns the persisted form of the set.
func (s *KeywordSet) Config() FieldKeywords {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := FieldKeywords{
		Exact:     make([]string, 0, len(s.exact)),
		Substring: make([]string, 0, len(s.substr)),
		Regex:     append([]string(nil), s.regexSrc...),
	}
	for _, term := range s.exact {
		out.Exact = append(out.Exact, term)
	}
	out.Substring = append(out.Substring, s.substr...)
	return out
}

// Len returns the total number of terms across all tiers.
func (s *KeywordSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.exact) + len(s.substr) + len(s.regex)
}

// rebuild recreates the substring automaton. Caller must hold the lock.
func (s *KeywordSet) rebuild() {
	if len(s.substr) == 0 {
		s.automaton = nil
		return
	}
	s.automaton = ahocorasick.NewStringMatcher(s.substr)
}

func isRegexTerm(term string) bool {
	return len(term) > 2 && strings.HasPrefix(term, "/") && strings.HasSuffix(term, "/")
}

func wrapRegex(src string) string {
	if isRegexTerm(src) {
		return src
	}
	return "/" + src + "/"
}

func compileKeywordRegex(src string) (*regexp.Regexp, error) {
	if isRegexTerm(src) {
		src = src[1 : len(src)-1]
	}
	return regexp.Compile("(?i)" + src)
}

// Matcher bundles the per-field keyword sets and the harvesting whitelist.
type Matcher struct {
	Text *KeywordSet
	Name *KeywordSet
	Bio  *KeywordSet

	whitelistName *KeywordSet
	whitelistText *KeywordSet
}

// NewMatcher builds a matcher from the persisted keyword configuration.
// Invalid regex entries are logged by the caller via the returned error list;
// the matcher is usable regardless.
func NewMatcher(cfg KeywordConfig) (*Matcher, error) {
	errList := errm.NewList()

	build := func(fk FieldKeywords) *KeywordSet {
		s, err := NewKeywordSet(fk)
		if err != nil {
			errList.Add(err)
		}
		return s
	}

	m := &Matcher{
		Text:          build(cfg.Text),
		Name:          build(cfg.Name),
		Bio:           build(cfg.Bio),
		whitelistName: build(cfg.Whitelist.Name),
		whitelistText: build(cfg.Whitelist.Text),
	}

	return m, errList.Err()
}

// Whitelisted reports whether a harvesting candidate matches the whitelist
// and must therefore not be added automatically.
func (m *Matcher) Whitelisted(term string) bool {
	if _, ok := m.whitelistName.Check(term); ok {
		return true
	}
	_, ok := m.whitelistText.Check(term)
	return ok
}

// Config returns the persisted form of the whole keyword configuration.
func (m *Matcher) Config() KeywordConfig {
	return KeywordConfig{
		Text: m.Text.Config(),
		Name: m.Name.Config(),
		Bio:  m.Bio.Config(),
		Whitelist: WhitelistKeywords{
			Name: m.whitelistName.Config(),
			Text: m.whitelistText.Config(),
		},
	}
}
