package tracker

import (
	"fmt"
	"strconv"
	"unicode"
)

// ItemRef is a resolved work item identifier. Callers hand the tracker free
// text ("12345", "EPIC 7", "REQ-456"); the numeric tracker id is extracted
// exactly once, here, and never re-derived downstream.
type ItemRef struct {
	Raw string
	ID  int
}

// ParseRef extracts the numeric id from a free-text reference. The first
// run of digits wins, matching how ids like "EPIC 7" are written.
func ParseRef(raw string) (ItemRef, error) {
	start := -1
	for i, r := range raw {
		if unicode.IsDigit(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			id, _ := strconv.Atoi(raw[start:i])
			return ItemRef{Raw: raw, ID: id}, nil
		}
	}
	if start >= 0 {
		id, _ := strconv.Atoi(raw[start:])
		return ItemRef{Raw: raw, ID: id}, nil
	}
	return ItemRef{}, fmt.Errorf("no numeric id in %q", raw)
}
