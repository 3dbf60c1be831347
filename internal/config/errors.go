package config

import "fmt"

// FieldError is one structured config-load failure (§7): syntactic parse
// failure, missing required key, out-of-range value, duplicate id,
// overlapping offsets, oversized batch, or string-storage exhaustion. All
// are fatal at load; the location fields let an operator find the exact
// spot in the JSON document without re-deriving it from a generic parser
// error.
type FieldError struct {
	ComponentIdx  int // -1 if not applicable
	ComponentID   string
	RegisterIdx   int // -1 if not applicable
	RegisterType  string
	DecodeIdx     int // -1 if not applicable
	DecodeID      string
	BitStringsIdx int // -1 if not applicable
	Key           string
	Expected      string
	Message       string
}

func (e *FieldError) Error() string {
	loc := ""
	if e.ComponentID != "" {
		loc += fmt.Sprintf(" component=%q", e.ComponentID)
	}
	if e.RegisterType != "" {
		loc += fmt.Sprintf(" register_type=%s idx=%d", e.RegisterType, e.RegisterIdx)
	}
	if e.DecodeID != "" {
		loc += fmt.Sprintf(" decode=%q idx=%d", e.DecodeID, e.DecodeIdx)
	}
	if e.BitStringsIdx >= 0 {
		loc += fmt.Sprintf(" bit_strings[%d]", e.BitStringsIdx)
	}
	if e.Key != "" {
		loc += fmt.Sprintf(" key=%q", e.Key)
	}
	if e.Expected != "" {
		loc += fmt.Sprintf(" expected=%s", e.Expected)
	}
	return fmt.Sprintf("config:%s: %s", loc, e.Message)
}

// newFieldError builds a FieldError with every index defaulted to "not
// applicable" (-1) so call sites only set the fields that matter.
func newFieldError(msg string) *FieldError {
	return &FieldError{ComponentIdx: -1, RegisterIdx: -1, DecodeIdx: -1, BitStringsIdx: -1, Message: msg}
}

// ValidationErrors collects every FieldError found during one Parse pass.
// Loading is all-or-nothing: if this holds at least one non-warning entry,
// Parse returns it as the error and the partially built Config is
// discarded.
type ValidationErrors []*FieldError

func (v ValidationErrors) Error() string {
	if len(v) == 1 {
		return v[0].Error()
	}
	s := fmt.Sprintf("%d config errors:", len(v))
	for _, e := range v {
		s += "\n  " + e.Error()
	}
	return s
}
