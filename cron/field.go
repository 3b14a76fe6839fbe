package cron

import (
	"fmt"
	"strconv"
	"strings"
)

// bounds describes the legal numeric range and name table for one field.
type bounds struct {
	min, max uint
	names    map[string]uint
}

var (
	secondsBounds = bounds{0, 59, nil}
	minutesBounds = bounds{0, 59, nil}
	hoursBounds   = bounds{0, 23, nil}
	domBounds     = bounds{1, 31, nil}
	monthBounds   = bounds{1, 12, map[string]uint{
		"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
		"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
	}}
	// 1=Sunday..7=Saturday, per spec §9's fixed day-of-week numbering.
	dowBounds = bounds{1, 7, map[string]uint{
		"sun": 1, "mon": 2, "tue": 3, "wed": 4, "thu": 5, "fri": 6, "sat": 7,
	}}
	yearBounds = bounds{1970, 2099, nil}
)

// parseErr reports a malformed expression with the offending token.
type parseErr struct {
	field string
	token string
	msg   string
}

func (e *parseErr) Error() string {
	return fmt.Sprintf("cron: invalid %s field %q: %s", e.field, e.token, e.msg)
}

// parseAtomValue resolves a single token (name or number) to its numeric
// value, validating it against b's range.
func parseAtomValue(fieldName, token string, b bounds) (uint, error) {
	if b.names != nil {
		if v, ok := b.names[strings.ToLower(token)]; ok {
			return v, nil
		}
	}
	n, err := strconv.Atoi(token)
	if err != nil {
		return 0, &parseErr{fieldName, token, "not a recognized name or integer"}
	}
	if n < 0 || uint(n) < b.min || uint(n) > b.max {
		return 0, &parseErr{fieldName, token, fmt.Sprintf("out of range %d-%d", b.min, b.max)}
	}
	return uint(n), nil
}

// parseBitField parses a comma-separated list of atoms/ranges/steps/`*`
// into a bitmask, where bit i is set iff value i is permitted.
func parseBitField(fieldName, spec string, b bounds) (uint64, error) {
	var mask uint64
	for _, item := range strings.Split(spec, ",") {
		if item == "" {
			return 0, &parseErr{fieldName, spec, "empty list item"}
		}
		lo, hi, step, err := parseRangeStep(fieldName, item, b)
		if err != nil {
			return 0, err
		}
		for v := lo; v <= hi; v += step {
			mask |= 1 << v
		}
	}
	return mask, nil
}

// parseRangeStep parses one list item: "*", "*/n", "a", "a-b", "a-b/n" or
// "a/n" (meaning "starting at a, every n, through the field's max").
func parseRangeStep(fieldName, item string, b bounds) (lo, hi, step uint, err error) {
	step = 1
	base := item
	if idx := strings.IndexByte(item, '/'); idx >= 0 {
		base = item[:idx]
		stepStr := item[idx+1:]
		n, err2 := strconv.Atoi(stepStr)
		if err2 != nil || n <= 0 {
			return 0, 0, 0, &parseErr{fieldName, item, "invalid step value"}
		}
		step = uint(n)
	}

	switch {
	case base == "*" || base == "?":
		lo, hi = b.min, b.max
	case strings.Contains(base, "-"):
		parts := strings.SplitN(base, "-", 2)
		if len(parts) != 2 {
			return 0, 0, 0, &parseErr{fieldName, item, "malformed range"}
		}
		lo, err = parseAtomValue(fieldName, parts[0], b)
		if err != nil {
			return 0, 0, 0, err
		}
		hi, err = parseAtomValue(fieldName, parts[1], b)
		if err != nil {
			return 0, 0, 0, err
		}
		if hi < lo {
			return 0, 0, 0, &parseErr{fieldName, item, "range end before start"}
		}
	default:
		lo, err = parseAtomValue(fieldName, base, b)
		if err != nil {
			return 0, 0, 0, err
		}
		if idx := strings.IndexByte(item, '/'); idx >= 0 {
			// "a/n" means starting at a, stepping to the field max.
			hi = b.max
		} else {
			hi = lo
		}
	}
	return lo, hi, step, nil
}

func bitTest(mask uint64, v uint) bool {
	return mask&(1<<v) != 0
}
