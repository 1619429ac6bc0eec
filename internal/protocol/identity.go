package protocol

import (
	"regexp"
	"strings"
)

// AdvertisedNamePrefix marks a compatible arm in scan results.
const AdvertisedNamePrefix = "Even G1_"

var pairingIDPattern = regexp.MustCompile(`G1_(\d+)_`)

// PairingIdentity is the key shared by both arms of one physical unit.
type PairingIdentity string

func (p PairingIdentity) Empty() bool {
	return strings.TrimSpace(string(p)) == ""
}

// Valid reports whether p has the numeric form arms advertise.
func (p PairingIdentity) Valid() bool {
	if p == "" {
		return false
	}
	for _, r := range string(p) {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ParseAdvertisedName extracts the pairing identity and arm from names such as
// "Even G1_42_L_1A2B3C". ok is false for anything that is not a glasses arm.
func ParseAdvertisedName(name string) (PairingIdentity, Side, bool) {
	if !strings.Contains(name, AdvertisedNamePrefix) {
		return "", 0, false
	}
	var side Side
	switch {
	case strings.Contains(name, "_L_"):
		side = Left
	case strings.Contains(name, "_R_"):
		side = Right
	default:
		return "", 0, false
	}
	m := pairingIDPattern.FindStringSubmatch(name)
	if len(m) != 2 {
		return "", 0, false
	}
	return PairingIdentity(m[1]), side, true
}
