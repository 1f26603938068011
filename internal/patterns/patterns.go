// Package patterns holds the guard's pattern library: the ordered, named
// regular expressions used by the injection detector, the query classifier
// and the response validator, plus the fixed user-facing messages.
//
// A Library is immutable after construction and safe for concurrent use.
package patterns

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

var (
	defaultOnce sync.Once
	defaultLib  *Library
	defaultErr  error
)

// Matcher is a compiled, named pattern.
type Matcher struct {
	ID       string
	Category string
	re       *regexp.Regexp
}

// MatchString reports whether the pattern matches s.
func (m Matcher) MatchString(s string) bool {
	return m.re != nil && m.re.MatchString(s)
}

// FindAllIndex returns the byte ranges of all matches in s.
func (m Matcher) FindAllIndex(s string) [][]int {
	if m.re == nil {
		return nil
	}
	return m.re.FindAllStringIndex(s, -1)
}

// Expr returns the compiled expression.
func (m Matcher) Expr() string {
	if m.re == nil {
		return ""
	}
	return m.re.String()
}

// Jurisdiction is a regulatory region with its indicator terms and the code
// bodies that may be cited for it.
type Jurisdiction struct {
	Code       string
	Indicators []Matcher
	Bodies     []string
}

// Domain is a trade tag with the keyword families that select it.
type Domain struct {
	Name     string
	Matchers []Matcher
}

// Messages are the fixed sentences shown to users.
type Messages struct {
	Refusal       string `yaml:"refusal"`
	Disclaimer    string `yaml:"disclaimer"`
	InputRejected string `yaml:"input_rejected"`
	Unavailable   string `yaml:"unavailable"`
	Escalation    string `yaml:"escalation"`
}

// Library is the compiled pattern set.
type Library struct {
	version       int
	messages      Messages
	policyRules   []string
	docCitation   *regexp.Regexp
	regCitation   *regexp.Regexp
	injection     []Matcher
	regulated     []Matcher
	jurisdictions []Jurisdiction
	domains       []Domain
	sensitive     []Matcher
	numeric       []Matcher
	blocked       []Matcher
	technical     []Matcher
	warranty      []Matcher
	humanReview   []Matcher
}

type rawMatcher struct {
	ID       string `yaml:"id"`
	Category string `yaml:"category"`
	Pattern  string `yaml:"pattern"`
}

type rawLibrary struct {
	Version     int      `yaml:"version"`
	Messages    Messages `yaml:"messages"`
	PolicyRules []string `yaml:"policy_rules"`
	Citations   struct {
		Document   string `yaml:"document"`
		Regulation string `yaml:"regulation"`
	} `yaml:"citations"`
	Injection     []rawMatcher `yaml:"injection"`
	Regulated     []rawMatcher `yaml:"regulated_vocabulary"`
	Jurisdictions []struct {
		Code       string       `yaml:"code"`
		Indicators []rawMatcher `yaml:"indicators"`
		Bodies     []string     `yaml:"bodies"`
	} `yaml:"jurisdictions"`
	Domains []struct {
		Name     string       `yaml:"name"`
		Patterns []rawMatcher `yaml:"patterns"`
	} `yaml:"domains"`
	Sensitive   []rawMatcher `yaml:"sensitive_topics"`
	Numeric     []rawMatcher `yaml:"numeric_claims"`
	Blocked     []rawMatcher `yaml:"blocked_claims"`
	Technical   []rawMatcher `yaml:"technical_indicators"`
	Warranty    []rawMatcher `yaml:"warranty_vocabulary"`
	HumanReview []rawMatcher `yaml:"human_review"`
}

// Default returns the embedded library. It is compiled once per process.
func Default() (*Library, error) {
	defaultOnce.Do(func() {
		defaultLib, defaultErr = Parse(defaultYAML)
	})
	return defaultLib, defaultErr
}

// MustDefault is Default for tests and static initialisation.
func MustDefault() *Library {
	lib, err := Default()
	if err != nil {
		panic(err)
	}
	return lib
}

// LoadFile compiles a library from a YAML file on disk.
func LoadFile(path string) (*Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("patterns: read %s: %w", path, err)
	}
	return Parse(data)
}

// Load returns the library at path, or the embedded default when path is empty.
func Load(path string) (*Library, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	return LoadFile(path)
}

// Parse compiles a YAML pattern library.
func Parse(data []byte) (*Library, error) {
	var raw rawLibrary
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("patterns: decode yaml: %w", err)
	}
	if err := raw.Messages.validate(); err != nil {
		return nil, err
	}

	lib := &Library{
		version:     raw.Version,
		messages:    raw.Messages,
		policyRules: append([]string(nil), raw.PolicyRules...),
	}

	var err error
	if lib.docCitation, err = compile("citations", "document", raw.Citations.Document); err != nil {
		return nil, err
	}
	if lib.regCitation, err = compile("citations", "regulation", raw.Citations.Regulation); err != nil {
		return nil, err
	}
	if lib.docCitation.NumSubexp() < 1 || lib.regCitation.NumSubexp() < 1 {
		return nil, fmt.Errorf("patterns: citation patterns must capture the source name")
	}

	sections := []struct {
		name string
		raw  []rawMatcher
		dst  *[]Matcher
	}{
		{"injection", raw.Injection, &lib.injection},
		{"regulated_vocabulary", raw.Regulated, &lib.regulated},
		{"sensitive_topics", raw.Sensitive, &lib.sensitive},
		{"numeric_claims", raw.Numeric, &lib.numeric},
		{"blocked_claims", raw.Blocked, &lib.blocked},
		{"technical_indicators", raw.Technical, &lib.technical},
		{"warranty_vocabulary", raw.Warranty, &lib.warranty},
		{"human_review", raw.HumanReview, &lib.humanReview},
	}
	for _, sec := range sections {
		if len(sec.raw) == 0 {
			return nil, fmt.Errorf("patterns: section %s is empty", sec.name)
		}
		if *sec.dst, err = compileSection(sec.name, sec.raw); err != nil {
			return nil, err
		}
	}

	seenCodes := make(map[string]bool)
	for _, j := range raw.Jurisdictions {
		code := strings.ToLower(strings.TrimSpace(j.Code))
		if code == "" || seenCodes[code] {
			return nil, fmt.Errorf("patterns: jurisdiction code %q missing or duplicated", j.Code)
		}
		seenCodes[code] = true
		indicators, err := compileSection("jurisdictions."+code, j.Indicators)
		if err != nil {
			return nil, err
		}
		bodies := make([]string, 0, len(j.Bodies))
		for _, b := range j.Bodies {
			if b = strings.ToUpper(strings.TrimSpace(b)); b != "" {
				bodies = append(bodies, b)
			}
		}
		lib.jurisdictions = append(lib.jurisdictions, Jurisdiction{Code: code, Indicators: indicators, Bodies: bodies})
	}

	for _, d := range raw.Domains {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			return nil, fmt.Errorf("patterns: domain without a name")
		}
		matchers, err := compileSection("domains."+name, d.Patterns)
		if err != nil {
			return nil, err
		}
		lib.domains = append(lib.domains, Domain{Name: name, Matchers: matchers})
	}

	return lib, nil
}

func (m Messages) validate() error {
	missing := []string{}
	if strings.TrimSpace(m.Refusal) == "" {
		missing = append(missing, "refusal")
	}
	if strings.TrimSpace(m.Disclaimer) == "" {
		missing = append(missing, "disclaimer")
	}
	if strings.TrimSpace(m.InputRejected) == "" {
		missing = append(missing, "input_rejected")
	}
	if strings.TrimSpace(m.Unavailable) == "" {
		missing = append(missing, "unavailable")
	}
	if strings.TrimSpace(m.Escalation) == "" {
		missing = append(missing, "escalation")
	}
	if len(missing) > 0 {
		return fmt.Errorf("patterns: missing messages: %s", strings.Join(missing, ", "))
	}
	return nil
}

func compileSection(section string, raw []rawMatcher) ([]Matcher, error) {
	out := make([]Matcher, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, r := range raw {
		id := strings.TrimSpace(r.ID)
		if id == "" {
			return nil, fmt.Errorf("patterns: %s: pattern without id", section)
		}
		if seen[id] {
			return nil, fmt.Errorf("patterns: %s: duplicate id %q", section, id)
		}
		seen[id] = true
		re, err := compile(section, id, r.Pattern)
		if err != nil {
			return nil, err
		}
		category := strings.TrimSpace(r.Category)
		if category == "" {
			category = id
		}
		out = append(out, Matcher{ID: id, Category: category, re: re})
	}
	return out, nil
}

func compile(section, id, expr string) (*regexp.Regexp, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("patterns: %s.%s: empty pattern", section, id)
	}
	re, err := regexp.Compile("(?i)" + expr)
	if err != nil {
		return nil, fmt.Errorf("patterns: %s.%s: %w", section, id, err)
	}
	return re, nil
}

// Version is the library format version.
func (l *Library) Version() int { return l.version }

// Messages returns the fixed user-facing sentences.
func (l *Library) Messages() Messages { return l.messages }

// PolicyRules returns the policy text handed to the prompt assembler.
func (l *Library) PolicyRules() []string { return append([]string(nil), l.policyRules...) }

// DocumentCitation matches `[Source: name]` markers; group 1 is the name.
func (l *Library) DocumentCitation() *regexp.Regexp { return l.docCitation }

// RegulationCitation matches `[Code: BODY section]` markers; group 1 is the reference.
func (l *Library) RegulationCitation() *regexp.Regexp { return l.regCitation }

func (l *Library) Injection() []Matcher     { return cloneMatchers(l.injection) }
func (l *Library) Regulated() []Matcher     { return cloneMatchers(l.regulated) }
func (l *Library) Sensitive() []Matcher     { return cloneMatchers(l.sensitive) }
func (l *Library) NumericClaims() []Matcher { return cloneMatchers(l.numeric) }
func (l *Library) BlockedClaims() []Matcher { return cloneMatchers(l.blocked) }
func (l *Library) Technical() []Matcher     { return cloneMatchers(l.technical) }
func (l *Library) Warranty() []Matcher      { return cloneMatchers(l.warranty) }
func (l *Library) HumanReview() []Matcher   { return cloneMatchers(l.humanReview) }

// Jurisdictions returns the configured regions in file order.
func (l *Library) Jurisdictions() []Jurisdiction {
	out := make([]Jurisdiction, len(l.jurisdictions))
	for i, j := range l.jurisdictions {
		out[i] = Jurisdiction{
			Code:       j.Code,
			Indicators: cloneMatchers(j.Indicators),
			Bodies:     append([]string(nil), j.Bodies...),
		}
	}
	return out
}

// Domains returns the trade domains in file order.
func (l *Library) Domains() []Domain {
	out := make([]Domain, len(l.domains))
	for i, d := range l.domains {
		out[i] = Domain{Name: d.Name, Matchers: cloneMatchers(d.Matchers)}
	}
	return out
}

// Entry is one row of the library listing.
type Entry struct {
	Section  string
	ID       string
	Category string
}

// Entries lists every named matcher, section by section.
func (l *Library) Entries() []Entry {
	var out []Entry
	add := func(section string, ms []Matcher) {
		for _, m := range ms {
			out = append(out, Entry{Section: section, ID: m.ID, Category: m.Category})
		}
	}
	add("injection", l.injection)
	add("regulated_vocabulary", l.regulated)
	for _, j := range l.jurisdictions {
		add("jurisdictions."+j.Code, j.Indicators)
	}
	for _, d := range l.domains {
		add("domains."+d.Name, d.Matchers)
	}
	add("sensitive_topics", l.sensitive)
	add("numeric_claims", l.numeric)
	add("blocked_claims", l.blocked)
	add("technical_indicators", l.technical)
	add("warranty_vocabulary", l.warranty)
	add("human_review", l.humanReview)
	return out
}

func cloneMatchers(in []Matcher) []Matcher {
	return append([]Matcher(nil), in...)
}
