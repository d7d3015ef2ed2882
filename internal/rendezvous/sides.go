package rendezvous

import (
	"crypto/rand"
	"encoding/base32"
	"strings"
)

// sideResult describes the outcome of adding or removing a side on a
// nameplate or mailbox row. The zero value means "nothing changed".
type sideResult struct {
	changed bool
	empty   bool
	side1   string
	side2   string
}

var unchanged = sideResult{}

func presentSides(side1, side2 string) []string {
	sides := make([]string, 0, 2)
	if side1 != "" {
		sides = append(sides, side1)
	}
	if side2 != "" {
		sides = append(sides, side2)
	}
	return sides
}

// addSide joins newSide to the side pair (side1, side2). Joining a side
// that is already present is a no-op; a third distinct side is refused
// with ErrCrowded, leaving the existing pair intact.
func addSide(side1, side2, newSide string) (sideResult, error) {
	old := presentSides(side1, side2)
	for _, s := range old {
		if s == newSide {
			return unchanged, nil
		}
	}
	switch len(old) {
	case 0:
		return sideResult{changed: true, side1: newSide}, nil
	case 1:
		return sideResult{changed: true, side1: old[0], side2: newSide}, nil
	default:
		return unchanged, ErrCrowded
	}
}

// removeSide drops side from the pair. Removing an absent side is a
// no-op. The surviving side, if any, is compacted into slot 1.
func removeSide(side1, side2, side string) sideResult {
	old := presentSides(side1, side2)
	remaining := make([]string, 0, 2)
	found := false
	for _, s := range old {
		if s == side {
			found = true
			continue
		}
		remaining = append(remaining, s)
	}
	if !found {
		return unchanged
	}
	if len(remaining) == 0 {
		return sideResult{changed: true, empty: true}
	}
	return sideResult{changed: true, side1: remaining[0]}
}

// generateMailboxID returns a fresh 13-character mailbox id: 8 random
// octets, base32 (RFC 4648), lower-cased, padding stripped. Collisions
// within a namespace are astronomically unlikely.
func generateMailboxID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic("rendezvous: crypto/rand unavailable: " + err.Error())
	}
	id := base32.StdEncoding.EncodeToString(b)
	return strings.ToLower(strings.TrimRight(id, "="))
}
