// Copyright (c) Huck-dev
// SPDX-License-Identifier: MPL-2.0

package structs

import (
	"fmt"
	"reflect"
	"strings"
)

// ConditionOp is a comparison operator on an edge condition.
type ConditionOp string

const (
	ConditionEq       ConditionOp = "eq"
	ConditionNe       ConditionOp = "ne"
	ConditionGt       ConditionOp = "gt"
	ConditionLt       ConditionOp = "lt"
	ConditionGte      ConditionOp = "gte"
	ConditionLte      ConditionOp = "lte"
	ConditionContains ConditionOp = "contains"
	ConditionExists   ConditionOp = "exists"
)

// EdgeCondition gates a flow connection on the source node's output.
// Field is a dotted path into the output map. When the field is missing,
// exists evaluates to false and every other operator evaluates to false.
type EdgeCondition struct {
	Field string      `json:"field"`
	Op    ConditionOp `json:"op"`
	Value interface{} `json:"value,omitempty"`
}

// Validate checks the operator is one of the known set.
func (c *EdgeCondition) Validate() error {
	switch c.Op {
	case ConditionEq, ConditionNe, ConditionGt, ConditionLt,
		ConditionGte, ConditionLte, ConditionContains, ConditionExists:
		return nil
	default:
		return fmt.Errorf("unknown condition operator %q", c.Op)
	}
}

// Evaluate applies the condition to a source node's output. A nil
// condition always holds.
func (c *EdgeCondition) Evaluate(output map[string]interface{}) bool {
	if c == nil {
		return true
	}

	val, ok := lookupPath(output, c.Field)
	if c.Op == ConditionExists {
		return ok
	}
	if !ok {
		return false
	}

	switch c.Op {
	case ConditionEq:
		return looseEqual(val, c.Value)
	case ConditionNe:
		return !looseEqual(val, c.Value)
	case ConditionGt, ConditionLt, ConditionGte, ConditionLte:
		a, aok := toFloat(val)
		b, bok := toFloat(c.Value)
		if !aok || !bok {
			return false
		}
		switch c.Op {
		case ConditionGt:
			return a > b
		case ConditionLt:
			return a < b
		case ConditionGte:
			return a >= b
		default:
			return a <= b
		}
	case ConditionContains:
		return contains(val, c.Value)
	default:
		return false
	}
}

// lookupPath walks a dotted path through nested maps.
func lookupPath(m map[string]interface{}, path string) (interface{}, bool) {
	if m == nil || path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var cur interface{} = m
	for _, p := range parts {
		mm, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = mm[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// looseEqual compares values the way JSON round-tripping leaves them:
// numbers compare numerically regardless of concrete type. Objects and
// arrays compare structurally; == on them would panic.
func looseEqual(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	if _, bok := toFloat(b); bok {
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// contains handles string containment and slice membership.
func contains(haystack, needle interface{}) bool {
	switch h := haystack.(type) {
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(h, s)
	case []interface{}:
		for _, item := range h {
			if looseEqual(item, needle) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
