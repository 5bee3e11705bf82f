// Package policy holds the auto-prune policy model, its validation and
// the store that persists policies per namespace.
package policy

import (
	"fmt"
	"strconv"
	"time"
)

// Method names a retention strategy. The string form is the wire name.
type Method string

const (
	MethodNumberOfTags Method = "number_of_tags"
	MethodCreationDate Method = "creation_date"
)

// Methods lists every supported method.
var Methods = []Method{MethodNumberOfTags, MethodCreationDate}

// ParseMethod maps a wire name to a Method.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case MethodNumberOfTags, MethodCreationDate:
		return Method(s), nil
	default:
		return "", invalidConfig("unknown method %q", s)
	}
}

// Rule is a validated retention rule. The set of implementations is
// closed: NumberOfTags and CreationDate.
type Rule interface {
	Method() Method
	// Value is the canonical value, as stored and as shown in views.
	Value() Value
	String() string
	isRule()
}

// NumberOfTags keeps the Count newest tags of each repository.
type NumberOfTags struct {
	Count int
}

func (NumberOfTags) Method() Method { return MethodNumberOfTags }

func (r NumberOfTags) Value() Value { return IntValue(r.Count) }

func (r NumberOfTags) String() string { return fmt.Sprintf("%s(%d)", MethodNumberOfTags, r.Count) }

func (NumberOfTags) isRule() {}

// CreationDate deletes tags created more than Period ago.
type CreationDate struct {
	Period Period
}

func (CreationDate) Method() Method { return MethodCreationDate }

func (r CreationDate) Value() Value { return StringValue(r.Period.String()) }

func (r CreationDate) String() string { return fmt.Sprintf("%s(%s)", MethodCreationDate, r.Period) }

func (CreationDate) isRule() {}

// Unit is a calendar-free period unit. Months are 30 days and years 365.
type Unit byte

const (
	UnitDay   Unit = 'd'
	UnitWeek  Unit = 'w'
	UnitMonth Unit = 'm'
	UnitYear  Unit = 'y'
)

func (u Unit) days() (int64, bool) {
	switch u {
	case UnitDay:
		return 1, true
	case UnitWeek:
		return 7, true
	case UnitMonth:
		return 30, true
	case UnitYear:
		return 365, true
	default:
		return 0, false
	}
}

// maxPeriodDays keeps Period.Duration within time.Duration.
const maxPeriodDays = int64(1<<63-1) / int64(24*time.Hour)

// Period is an amount of a Unit, written like "7d" or "2y".
type Period struct {
	Amount int64
	Unit   Unit
}

// Duration converts the period to a fixed duration.
func (p Period) Duration() time.Duration {
	d, _ := p.Unit.days()
	return time.Duration(p.Amount*d) * 24 * time.Hour
}

func (p Period) String() string {
	return strconv.FormatInt(p.Amount, 10) + string(rune(p.Unit))
}

// ParsePeriod parses "<integer><unit>" with unit one of d, w, m, y.
func ParsePeriod(s string) (Period, error) {
	if len(s) < 2 {
		return Period{}, invalidConfig("period %q must look like 7d, 4w, 6m or 1y", s)
	}
	unit := Unit(s[len(s)-1])
	perUnit, ok := unit.days()
	if !ok {
		return Period{}, invalidConfig("period %q has unknown unit %q (want d, w, m or y)", s, string(rune(unit)))
	}
	amount, err := parsePositive(s[:len(s)-1])
	if err != nil {
		return Period{}, invalidConfig("period %q: %v", s, err)
	}
	if amount > maxPeriodDays/perUnit {
		return Period{}, invalidConfig("period %q is too long", s)
	}
	return Period{Amount: amount, Unit: unit}, nil
}

// parsePositive accepts only ASCII digits and a value of at least 1.
func parsePositive(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("missing number")
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, fmt.Errorf("%q is not a positive integer", s)
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is out of range", s)
	}
	if n < 1 {
		return 0, fmt.Errorf("must be at least 1, got %d", n)
	}
	return n, nil
}
