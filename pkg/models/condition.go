// Package models provides conditional expression evaluation over generation data.
package models

import (
	"fmt"
	"strconv"
	"strings"
)

// FieldRef names a generation-data field inside a condition leaf.
type FieldRef struct {
	Data string `json:"data"`
}

// ValueRef carries the expected value of a condition leaf.
type ValueRef struct {
	Value any `json:"value"`
}

// Condition is a boolean expression tree over generation data. A node is
// either a conjunction (And), a disjunction (Or), or a leaf comparing one
// field against an expected value (Where plus Equals or IsNot).
type Condition struct {
	And    []*Condition `json:"and,omitempty"`
	Or     []*Condition `json:"or,omitempty"`
	Where  *FieldRef    `json:"where,omitempty"`
	Equals *ValueRef    `json:"equals,omitempty"`
	IsNot  *ValueRef    `json:"is_not,omitempty"`
}

// Evaluate walks the expression tree against the given generation data.
// An empty And evaluates true, an empty Or false.
func (c *Condition) Evaluate(data map[string]any) (bool, error) {
	if c == nil {
		return true, nil
	}

	switch {
	case c.And != nil:
		for _, child := range c.And {
			ok, err := child.Evaluate(data)
			if err != nil {
				return false, err
			}

			if !ok {
				return false, nil
			}
		}

		return true, nil
	case c.Or != nil:
		for _, child := range c.Or {
			ok, err := child.Evaluate(data)
			if err != nil {
				return false, err
			}

			if ok {
				return true, nil
			}
		}

		return false, nil
	case c.Where != nil:
		return c.evaluateLeaf(data)
	default:
		return false, fmt.Errorf("condition has neither and, or, nor where")
	}
}

func (c *Condition) evaluateLeaf(data map[string]any) (bool, error) {
	actual := normalizeValue(data[c.Where.Data])

	switch {
	case c.Equals != nil:
		return actual == normalizeValue(c.Equals.Value), nil
	case c.IsNot != nil:
		return actual != normalizeValue(c.IsNot.Value), nil
	default:
		return false, fmt.Errorf("condition leaf for %q has neither equals nor is_not", c.Where.Data)
	}
}

// normalizeValue maps a loosely-typed value onto a canonical string so that
// comparisons are type-insensitive. Missing fields, nil and whitespace-only
// strings are all blank-equivalent; booleans normalize to "true"/"false";
// numbers normalize to their shortest decimal form.
func normalizeValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", v))
	}
}
