// Package policy evaluates enumerated approval rules against a dry-run
// context. Evaluation is pure; rule sets arrive as JSON per request or
// from the configured default and are schema-validated before use.
package policy

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/saferun-dev/saferun/pkg/saferr"
)

// Rule types the engine understands. Anything else fails schema
// validation at load time.
const (
	RuleMaxRisk           = "max_risk"
	RuleBlockKeywords     = "block_keywords"
	RuleEditedWithinHours = "edited_within_hours"
	RuleMaxBlocks         = "max_blocks"
	RuleMinBlocks         = "min_blocks"
	RuleRequireDBParent   = "require_db_parent"
)

// Evaluation modes.
const (
	ModeAny = "ANY"
	ModeAll = "ALL"
)

const ruleSetSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "mode": {"enum": ["ANY", "ALL"]},
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {"enum": ["max_risk", "block_keywords", "edited_within_hours", "max_blocks", "min_blocks", "require_db_parent"]},
          "value": {},
          "action": {"enum": ["require_approval"]}
        },
        "required": ["id", "type"],
        "additionalProperties": false
      }
    }
  },
  "required": ["rules"],
  "additionalProperties": false
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://saferun.schemas.local/policy/ruleset.schema.json"
	if err := c.AddResource(url, strings.NewReader(ruleSetSchema)); err != nil {
		panic(fmt.Sprintf("policy: load rule-set schema: %v", err))
	}
	s, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("policy: compile rule-set schema: %v", err))
	}
	return s
}

// Rule is one enumerated policy rule. Value's shape depends on the
// type: a number for thresholds, a string list for keywords, a bool
// for require_db_parent.
type Rule struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Value  any    `json:"value,omitempty"`
	Action string `json:"action,omitempty"`
}

// RuleSet is an ordered list of rules plus the combination mode.
type RuleSet struct {
	Mode  string `json:"mode,omitempty"`
	Rules []Rule `json:"rules"`
}

// Context is the normalized dry-run state a rule set is evaluated
// against. RiskScore is the raw (unnormalized) score from the risk
// engine.
type Context struct {
	RiskScore   float64
	Title       string
	LastEdit    time.Time
	BlocksCount int
	HasDBParent bool
}

// Parse validates raw rule-set JSON against the embedded schema and
// decodes it. Empty input yields an empty set that never requires
// approval.
func Parse(raw []byte) (*RuleSet, error) {
	if len(raw) == 0 {
		return &RuleSet{}, nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, saferr.Wrap(saferr.KindBadRequest, "invalid_policy", "policy is not valid JSON", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, saferr.Wrap(saferr.KindBadRequest, "invalid_policy", "policy does not match rule-set schema", err)
	}
	var rs RuleSet
	if err := json.Unmarshal(raw, &rs); err != nil {
		return nil, saferr.Wrap(saferr.KindBadRequest, "invalid_policy", "policy does not match rule-set schema", err)
	}
	return &rs, nil
}

// Evaluate runs every rule against the context and combines matches
// per the set's mode. Returned ids keep rule order.
func (rs *RuleSet) Evaluate(pctx Context, now time.Time) (requiresApproval bool, matched []string) {
	if rs == nil || len(rs.Rules) == 0 {
		return false, nil
	}
	for _, r := range rs.Rules {
		if r.matches(pctx, now) {
			matched = append(matched, r.ID)
		}
	}
	switch rs.Mode {
	case ModeAll:
		return len(matched) == len(rs.Rules), matched
	default: // ANY
		return len(matched) > 0, matched
	}
}

func (r Rule) matches(pctx Context, now time.Time) bool {
	switch r.Type {
	case RuleMaxRisk:
		return pctx.RiskScore > asFloat(r.Value)
	case RuleBlockKeywords:
		lower := strings.ToLower(pctx.Title)
		for _, kw := range asStrings(r.Value) {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				return true
			}
		}
		return false
	case RuleEditedWithinHours:
		if pctx.LastEdit.IsZero() {
			return false
		}
		window := time.Duration(asFloat(r.Value) * float64(time.Hour))
		return now.Sub(pctx.LastEdit) < window
	case RuleMaxBlocks:
		return float64(pctx.BlocksCount) > asFloat(r.Value)
	case RuleMinBlocks:
		return float64(pctx.BlocksCount) < asFloat(r.Value)
	case RuleRequireDBParent:
		if enabled, ok := r.Value.(bool); ok && !enabled {
			return false
		}
		return !pctx.HasDBParent
	}
	return false
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	}
	return 0
}

func asStrings(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{list}
	}
	return nil
}
