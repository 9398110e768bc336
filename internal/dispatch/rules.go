package dispatch

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var embeddedRules []byte

// RuleKind separates rules that short-circuit dispatch from rules that
// contribute an operation.
type RuleKind string

const (
	RuleNormal   RuleKind = "normal"
	RuleBlocking RuleKind = "blocking"
)

type Rule struct {
	ID          string    `yaml:"id"`
	Kind        RuleKind  `yaml:"kind"`
	Priority    int       `yaml:"priority"`
	Triggers    []string  `yaml:"triggers"`
	Except      []string  `yaml:"except"`
	Operation   Operation `yaml:"operation"`
	Reason      string    `yaml:"reason"`
	Suggestions []string  `yaml:"suggestions"`
}

// Matches reports whether any trigger occurs in the normalized instruction
// and no exception does.
func (r Rule) Matches(normalized string) bool {
	for _, phrase := range r.Except {
		if strings.Contains(normalized, phrase) {
			return false
		}
	}
	for _, phrase := range r.Triggers {
		if strings.Contains(normalized, phrase) {
			return true
		}
	}
	return false
}

type ruleFile struct {
	Version string `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

// Table is the ordered rule set. It is immutable once built and safe for
// concurrent use.
type Table struct {
	version  string
	blocking []Rule
	normal   []Rule
	keywords []string
}

// DefaultTable returns the table compiled into the binary.
func DefaultTable() (*Table, error) {
	return ParseTable(embeddedRules)
}

// LoadTable reads a rule file from disk. An empty path yields the default
// table.
func LoadTable(path string) (*Table, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultTable()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file %s: %w", path, err)
	}
	table, err := ParseTable(data)
	if err != nil {
		return nil, fmt.Errorf("rule file %s: %w", path, err)
	}
	return table, nil
}

// ParseTable decodes, validates and orders a YAML rule document.
func ParseTable(data []byte) (*Table, error) {
	var doc ruleFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("rule document is empty")
		}
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	return NewTable(doc.Version, doc.Rules)
}

// NewTable validates rules and orders them by priority. Rules with equal
// priority keep their given order.
func NewTable(version string, rules []Rule) (*Table, error) {
	if len(rules) == 0 {
		return nil, errors.New("rule table has no rules")
	}

	ordered := make([]Rule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	t := &Table{version: strings.TrimSpace(version)}
	if t.version == "" {
		t.version = "unversioned"
	}

	seenIDs := make(map[string]struct{}, len(ordered))
	seenKeywords := make(map[string]struct{})
	for i, raw := range ordered {
		rule, err := compileRule(raw)
		if err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		if _, dup := seenIDs[rule.ID]; dup {
			return nil, fmt.Errorf("rules[%d]: duplicate id %q", i, rule.ID)
		}
		seenIDs[rule.ID] = struct{}{}

		switch rule.Kind {
		case RuleBlocking:
			t.blocking = append(t.blocking, rule)
		default:
			t.normal = append(t.normal, rule)
			for _, phrase := range rule.Triggers {
				if _, ok := seenKeywords[phrase]; ok {
					continue
				}
				seenKeywords[phrase] = struct{}{}
				t.keywords = append(t.keywords, phrase)
			}
		}
	}

	if len(t.normal) == 0 {
		return nil, errors.New("rule table has no normal rules")
	}
	return t, nil
}

func compileRule(rule Rule) (Rule, error) {
	rule.ID = strings.TrimSpace(rule.ID)
	if rule.ID == "" {
		return Rule{}, errors.New("id is required")
	}

	rule.Kind = RuleKind(strings.ToLower(strings.TrimSpace(string(rule.Kind))))
	if rule.Kind == "" {
		rule.Kind = RuleNormal
	}

	rule.Triggers = normalizePhrases(rule.Triggers)
	if len(rule.Triggers) == 0 {
		return Rule{}, fmt.Errorf("rule %s: at least one trigger is required", rule.ID)
	}
	rule.Except = normalizePhrases(rule.Except)

	switch rule.Kind {
	case RuleBlocking:
		rule.Reason = strings.TrimSpace(rule.Reason)
		if rule.Reason == "" {
			return Rule{}, fmt.Errorf("rule %s: blocking rules require a reason", rule.ID)
		}
		rule.Operation = Operation{}
	case RuleNormal:
		rule.Operation.Kind = Kind(strings.ToLower(strings.TrimSpace(string(rule.Operation.Kind))))
		if !knownKind(rule.Operation.Kind) {
			return Rule{}, fmt.Errorf("rule %s: unknown operation kind %q", rule.ID, rule.Operation.Kind)
		}
		rule.Operation = rule.Operation.withDefaults()
	default:
		return Rule{}, fmt.Errorf("rule %s: unknown rule kind %q", rule.ID, rule.Kind)
	}

	return rule, nil
}

// Phrases are matched against normalized text, so they are normalized the
// same way.
func normalizePhrases(in []string) []string {
	out := make([]string, 0, len(in))
	for _, phrase := range in {
		phrase = Normalize(phrase)
		if phrase != "" {
			out = append(out, phrase)
		}
	}
	return out
}

func (t *Table) Version() string { return t.version }

// Keywords lists every normal trigger phrase once, in table order.
func (t *Table) Keywords() []string {
	out := make([]string, len(t.keywords))
	copy(out, t.keywords)
	return out
}

// Rules returns blocking rules followed by normal rules, in evaluation order.
func (t *Table) Rules() []Rule {
	out := make([]Rule, 0, len(t.blocking)+len(t.normal))
	for _, group := range [][]Rule{t.blocking, t.normal} {
		for _, rule := range group {
			rule.Triggers = slices.Clone(rule.Triggers)
			rule.Except = slices.Clone(rule.Except)
			rule.Suggestions = slices.Clone(rule.Suggestions)
			out = append(out, rule)
		}
	}
	return out
}
