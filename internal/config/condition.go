package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// CompareOp enumerates the operators a deterministic condition may use.
type CompareOp string

const (
	OpIsSet   CompareOp = "is_set"
	OpIsEmpty CompareOp = "is_empty"
	OpEq      CompareOp = "=="
	OpNe      CompareOp = "!="
	OpGt      CompareOp = ">"
	OpLt      CompareOp = "<"
	OpGe      CompareOp = ">="
	OpLe      CompareOp = "<="
)

// IsValid reports whether op is a recognised comparison operator.
func (op CompareOp) IsValid() bool {
	switch op {
	case OpIsSet, OpIsEmpty, OpEq, OpNe, OpGt, OpLt, OpGe, OpLe:
		return true
	}
	return false
}

// NeedsValue reports whether op compares against a value. is_set and
// is_empty are unary.
func (op CompareOp) NeedsValue() bool {
	return op != OpIsSet && op != OpIsEmpty
}

// CompoundMode selects how a compound condition combines its children.
type CompoundMode string

const (
	AllOf CompoundMode = "all_of"
	AnyOf CompoundMode = "any_of"
)

// Condition is the tagged union over the three recognised condition
// variants. Exactly one of the variant pointers is non-nil after a
// successful load; the hybrid external syntax (mapping with path/op,
// mapping with all_of/any_of, mapping with semantic, or a bare string
// treated as semantic) is normalized at decode time.
type Condition struct {
	Deterministic *DeterministicCondition
	Compound      *CompoundCondition
	Semantic      *SemanticCondition
}

// DeterministicCondition compares a memory path against a literal value,
// evaluated purely in-process.
type DeterministicCondition struct {
	// Path is the dotted memory path read from the session.
	Path string

	// Op is the comparison operator.
	Op CompareOp

	// Value is the right-hand side literal for binary operators, stored as
	// text. Comparison coerces numerically when both sides parse as
	// numbers, else falls back to lexicographic ordering.
	Value string
}

// CompoundCondition combines child conditions with all_of/any_of
// short-circuit semantics.
type CompoundCondition struct {
	Mode       CompoundMode
	Conditions []Condition
}

// SemanticCondition is a natural-language predicate delegated to the
// semantic evaluator.
type SemanticCondition struct {
	// Text is the predicate, e.g. "customer explicitly confirmed the plan".
	Text string
}

// rawCondition mirrors the external condition syntax for decoding.
type rawCondition struct {
	Path     string      `yaml:"path"`
	Op       string      `yaml:"op"`
	Value    any         `yaml:"value"`
	Semantic string      `yaml:"semantic"`
	AllOf    []Condition `yaml:"all_of"`
	AnyOf    []Condition `yaml:"any_of"`
}

// UnmarshalYAML implements yaml.Unmarshaler, normalizing the hybrid syntax
// into the tagged variant.
func (c *Condition) UnmarshalYAML(node *yaml.Node) error {
	// A bare string is shorthand for a semantic predicate.
	if node.Kind == yaml.ScalarNode {
		var text string
		if err := node.Decode(&text); err != nil {
			return err
		}
		if strings.TrimSpace(text) == "" {
			return fmt.Errorf("condition: empty semantic predicate")
		}
		c.Semantic = &SemanticCondition{Text: text}
		return nil
	}

	var raw rawCondition
	if err := node.Decode(&raw); err != nil {
		return err
	}

	variants := 0
	if raw.Path != "" || raw.Op != "" {
		variants++
	}
	if raw.Semantic != "" {
		variants++
	}
	if len(raw.AllOf) > 0 {
		variants++
	}
	if len(raw.AnyOf) > 0 {
		variants++
	}
	if variants != 1 {
		return fmt.Errorf("condition: exactly one of path/op, semantic, all_of, any_of must be given")
	}

	switch {
	case raw.Semantic != "":
		c.Semantic = &SemanticCondition{Text: raw.Semantic}

	case len(raw.AllOf) > 0:
		c.Compound = &CompoundCondition{Mode: AllOf, Conditions: raw.AllOf}

	case len(raw.AnyOf) > 0:
		c.Compound = &CompoundCondition{Mode: AnyOf, Conditions: raw.AnyOf}

	default:
		op := CompareOp(raw.Op)
		if !op.IsValid() {
			return fmt.Errorf("condition: op %q is invalid; valid values: is_set, is_empty, ==, !=, >, <, >=, <=", raw.Op)
		}
		if raw.Path == "" {
			return fmt.Errorf("condition: path is required for op %q", op)
		}
		if op.NeedsValue() && raw.Value == nil {
			return fmt.Errorf("condition: op %q requires a value", op)
		}
		if !op.NeedsValue() && raw.Value != nil {
			return fmt.Errorf("condition: op %q does not take a value", op)
		}
		det := &DeterministicCondition{Path: raw.Path, Op: op}
		if raw.Value != nil {
			det.Value = fmt.Sprint(raw.Value)
		}
		c.Deterministic = det
	}

	return nil
}

// MarshalYAML implements yaml.Marshaler, re-emitting the external syntax so
// a loaded config round-trips through [Config.Describe].
func (c Condition) MarshalYAML() (any, error) {
	switch {
	case c.Deterministic != nil:
		out := map[string]any{
			"path": c.Deterministic.Path,
			"op":   string(c.Deterministic.Op),
		}
		if c.Deterministic.Op.NeedsValue() {
			out["value"] = c.Deterministic.Value
		}
		return out, nil
	case c.Compound != nil:
		key := string(c.Compound.Mode)
		return map[string]any{key: c.Compound.Conditions}, nil
	case c.Semantic != nil:
		return map[string]any{"semantic": c.Semantic.Text}, nil
	default:
		return nil, fmt.Errorf("condition: no variant set")
	}
}

// validate checks a normalized condition tree, accumulating errors with the
// given path prefix.
func (c Condition) validate(prefix string) []error {
	var errs []error
	switch {
	case c.Deterministic != nil:
		// Shape was enforced at decode time; nothing further.
	case c.Compound != nil:
		if len(c.Compound.Conditions) == 0 {
			errs = append(errs, fmt.Errorf("%s: %s must not be empty", prefix, c.Compound.Mode))
		}
		for i, child := range c.Compound.Conditions {
			errs = append(errs, child.validate(fmt.Sprintf("%s.%s[%d]", prefix, c.Compound.Mode, i))...)
		}
	case c.Semantic != nil:
		if strings.TrimSpace(c.Semantic.Text) == "" {
			errs = append(errs, fmt.Errorf("%s: semantic predicate must not be empty", prefix))
		}
	default:
		errs = append(errs, fmt.Errorf("%s: condition is required", prefix))
	}
	return errs
}
