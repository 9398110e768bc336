package dispatch

import (
	"regexp"
	"strconv"

	"golang.org/x/text/width"
)

// UnrecognizedReason is reported when no rule matches an instruction.
const UnrecognizedReason = "instruction not recognized"

// rotateAngle finds the number following "rotate"/"rotation", allowing up
// to three filler words such as "the image by".
var rotateAngle = regexp.MustCompile(`(?i)rotat\w*(?:\s+[^\s\d-]+){0,3}?\s+(-?\d+)`)

// Block explains why no operations will run.
type Block struct {
	RuleID       string   `json:"rule_id,omitempty"`
	Reason       string   `json:"reason"`
	Suggestions  []string `json:"suggestions"`
	Unrecognized bool     `json:"unrecognized"`
}

// Result is the outcome of dispatch. Plan is empty whenever Block is set.
type Result struct {
	Plan    []Operation `json:"plan"`
	RuleIDs []string    `json:"rule_ids"`
	Block   *Block      `json:"block,omitempty"`
}

func (r Result) Blocked() bool { return r.Block != nil }

// Resolve normalizes raw and dispatches it.
func (t *Table) Resolve(raw string) Result {
	return t.ResolveNormalized(Normalize(raw), raw)
}

// ResolveNormalized dispatches an already normalized instruction. raw is
// only consulted for operation parameters such as the rotate angle.
func (t *Table) ResolveNormalized(normalized, raw string) Result {
	for _, rule := range t.blocking {
		if rule.Matches(normalized) {
			return blocked(&Block{
				RuleID:      rule.ID,
				Reason:      rule.Reason,
				Suggestions: append([]string(nil), rule.Suggestions...),
			})
		}
	}

	var out Result
	for _, rule := range t.normal {
		if !rule.Matches(normalized) {
			continue
		}
		op := rule.Operation
		if op.Kind == KindRotate {
			op.Angle = ExtractRotateAngle(raw)
		}
		out.Plan = append(out.Plan, op)
		out.RuleIDs = append(out.RuleIDs, rule.ID)
	}

	if len(out.Plan) == 0 {
		return blocked(&Block{
			Reason:       UnrecognizedReason,
			Suggestions:  t.Keywords(),
			Unrecognized: true,
		})
	}
	return out
}

func blocked(b *Block) Result {
	return Result{Plan: []Operation{}, RuleIDs: []string{}, Block: b}
}

// ExtractRotateAngle returns the degrees requested after a rotate keyword,
// or DefaultRotateAngle when none is given or it does not parse. Full-width
// letters and digits are folded first, as they are when rules match.
func ExtractRotateAngle(raw string) int {
	m := rotateAngle.FindStringSubmatch(width.Fold.String(raw))
	if len(m) != 2 {
		return DefaultRotateAngle
	}
	angle, err := strconv.Atoi(m[1])
	if err != nil {
		return DefaultRotateAngle
	}
	return angle
}
