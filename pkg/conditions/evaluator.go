// Package conditions implements the pure boolean predicate evaluator shared
// by segment membership calculation and flow branching/trigger filters.
//
// Evaluation is total: any well-formed tree produces a boolean, and
// malformed leaves (unknown operators, non-numeric comparisons, missing
// fields) fail closed to false instead of returning an error.
package conditions

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/cadencehq/cadence/pkg/models"
)

// MembershipLookup answers whether a profile currently belongs to a
// segment. The evaluator never recomputes membership itself, which keeps
// segment leaves from recursing.
type MembershipLookup func(segmentID, profileID string) bool

// Context carries the externally supplied inputs a tree may need: the
// profile's historical event window, a current-membership lookup and the
// evaluation clock.
type Context struct {
	Events   []models.ProfileEvent
	IsMember MembershipLookup
	Now      time.Time
}

func (c Context) now() time.Time {
	if c.Now.IsZero() {
		return time.Now().UTC()
	}

	return c.Now
}

// Evaluate runs the condition tree against one profile snapshot. A nil
// group matches everything.
func Evaluate(profile *models.Profile, group *models.ConditionGroup, ectx Context) bool {
	if group == nil {
		return true
	}

	return evaluateGroup(profile, group, ectx)
}

func evaluateGroup(profile *models.Profile, group *models.ConditionGroup, ectx Context) bool {
	switch group.Operator {
	case models.LogicalAnd:
		for _, child := range group.Children {
			if !evaluateNode(profile, child, ectx) {
				return false
			}
		}
		// Empty and-group matches everything.
		return true
	case models.LogicalOr:
		for _, child := range group.Children {
			if evaluateNode(profile, child, ectx) {
				return true
			}
		}
		// Empty or-group matches nothing.
		return false
	default:
		return false
	}
}

func evaluateNode(profile *models.Profile, node models.ConditionNode, ectx Context) bool {
	if node.Group != nil {
		return evaluateGroup(profile, node.Group, ectx)
	}

	if node.Leaf != nil {
		return evaluateLeaf(profile, node.Leaf, ectx)
	}

	return false
}

func evaluateLeaf(profile *models.Profile, leaf *models.Condition, ectx Context) bool {
	switch leaf.Kind {
	case models.ConditionKindProperty:
		value, ok := profile.Property(leaf.Field)
		return compareProperty(value, ok, leaf.Operator, leaf.Value)
	case models.ConditionKindDate:
		return compareDate(profile, leaf, ectx.now())
	case models.ConditionKindEvent:
		return evaluateEventLeaf(leaf, ectx)
	case models.ConditionKindSegment:
		return evaluateSegmentLeaf(profile, leaf, ectx)
	default:
		return false
	}
}

func compareProperty(value any, present bool, operator string, expected any) bool {
	switch operator {
	case models.OpIsSet:
		return present && value != nil
	case models.OpIsNotSet:
		return !present || value == nil
	case models.OpEquals:
		return present && deepEqual(value, expected)
	case models.OpNotEquals:
		return !present || !deepEqual(value, expected)
	case models.OpContains, models.OpStartsWith, models.OpEndsWith:
		return compareString(value, present, operator, expected)
	case models.OpGreaterThan, models.OpGreaterThanOrEqual, models.OpLessThan, models.OpLessThanOrEqual:
		return compareNumeric(value, present, operator, expected)
	default:
		return false
	}
}

// deepEqual compares after numeric normalization so 3 == 3.0 holds across
// JSON round trips.
func deepEqual(a, b any) bool {
	if na, ok := toFloat(a); ok {
		if nb, ok := toFloat(b); ok {
			return na == nb
		}

		return false
	}

	return reflect.DeepEqual(a, b)
}

// String operators are case-insensitive and only defined for string fields.
func compareString(value any, present bool, operator string, expected any) bool {
	if !present {
		return false
	}

	haystack, ok := value.(string)
	if !ok {
		return false
	}

	needle, ok := expected.(string)
	if !ok {
		return false
	}

	haystack = strings.ToLower(haystack)
	needle = strings.ToLower(needle)

	switch operator {
	case models.OpContains:
		return strings.Contains(haystack, needle)
	case models.OpStartsWith:
		return strings.HasPrefix(haystack, needle)
	case models.OpEndsWith:
		return strings.HasSuffix(haystack, needle)
	default:
		return false
	}
}

// Numeric comparisons coerce both sides or fail closed.
func compareNumeric(value any, present bool, operator string, expected any) bool {
	if !present {
		return false
	}

	left, ok := toFloat(value)
	if !ok {
		return false
	}

	right, ok := toFloat(expected)
	if !ok {
		return false
	}

	switch operator {
	case models.OpGreaterThan:
		return left > right
	case models.OpGreaterThanOrEqual:
		return left >= right
	case models.OpLessThan:
		return left < right
	case models.OpLessThanOrEqual:
		return left <= right
	default:
		return false
	}
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case string:
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%g", &f); err == nil {
			return f, true
		}

		return 0, false
	default:
		return 0, false
	}
}

func compareDate(profile *models.Profile, leaf *models.Condition, now time.Time) bool {
	raw, present := profile.Property(leaf.Field)
	if !present {
		return false
	}

	value, ok := toTime(raw)
	if !ok {
		return false
	}

	switch leaf.Operator {
	case models.OpInLastDays:
		days, ok := toFloat(leaf.Value)
		if !ok {
			return false
		}

		return now.Sub(value) <= time.Duration(days*24)*time.Hour && !value.After(now)
	case models.OpNotInLastDays:
		days, ok := toFloat(leaf.Value)
		if !ok {
			return false
		}

		return now.Sub(value) > time.Duration(days*24)*time.Hour || value.After(now)
	case models.OpBefore:
		bound, ok := toTime(leaf.Value)
		if !ok {
			return false
		}

		return value.Before(bound)
	case models.OpAfter:
		bound, ok := toTime(leaf.Value)
		if !ok {
			return false
		}

		return value.After(bound)
	case models.OpBetween:
		lower, okLower := toTime(leaf.Value)
		upper, okUpper := toTime(leaf.SecondValue)
		if !okLower || !okUpper {
			return false
		}
		// Bounds are inclusive.
		return !value.Before(lower) && !value.After(upper)
	default:
		return false
	}
}

func toTime(value any) (time.Time, bool) {
	switch v := value.(type) {
	case time.Time:
		return v, true
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t, true
			}
		}

		return time.Time{}, false
	case float64:
		// Unix seconds, the shape numbers take after a JSON round trip.
		return time.Unix(int64(v), 0).UTC(), true
	case int64:
		return time.Unix(v, 0).UTC(), true
	default:
		return time.Time{}, false
	}
}

func evaluateEventLeaf(leaf *models.Condition, ectx Context) bool {
	minCount := leaf.MinCount
	if minCount <= 0 {
		minCount = 1
	}

	var cutoff time.Time
	if leaf.WithinDays > 0 {
		cutoff = ectx.now().Add(-time.Duration(leaf.WithinDays) * 24 * time.Hour)
	}

	matches := 0

	for _, event := range ectx.Events {
		if event.Name != leaf.EventName {
			continue
		}

		if !cutoff.IsZero() && event.OccurredAt.Before(cutoff) {
			continue
		}

		if !matchEventFilters(event, leaf.Filters) {
			continue
		}

		matches++
		if matches >= minCount {
			break
		}
	}

	done := matches >= minCount

	switch leaf.Operator {
	case models.OpHasDone:
		return done
	case models.OpHasNotDone:
		return !done
	default:
		return false
	}
}

func matchEventFilters(event models.ProfileEvent, filters []models.ConditionFilter) bool {
	for _, filter := range filters {
		value, present := event.Properties[filter.Field]
		if !compareProperty(value, present, filter.Operator, filter.Value) {
			return false
		}
	}

	return true
}

func evaluateSegmentLeaf(profile *models.Profile, leaf *models.Condition, ectx Context) bool {
	// Without a lookup the leaf fails closed either way.
	if ectx.IsMember == nil {
		return false
	}

	member := ectx.IsMember(leaf.SegmentID, profile.ID)

	switch leaf.Operator {
	case models.OpIsMember:
		return member
	case models.OpIsNotMember:
		return !member
	default:
		return false
	}
}
