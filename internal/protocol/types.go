package protocol

import (
	"fmt"
	"strings"
)

// Side identifies one physical arm of the glasses.
type Side uint8

const (
	Left Side = iota
	Right
)

// Sides lists both arms in the order the link layer always visits them.
var Sides = [2]Side{Left, Right}

func (s Side) String() string {
	switch s {
	case Left:
		return "left"
	case Right:
		return "right"
	default:
		return fmt.Sprintf("side(%d)", uint8(s))
	}
}

// Other returns the opposite arm.
func (s Side) Other() Side {
	if s == Left {
		return Right
	}
	return Left
}

func (s Side) Valid() bool {
	return s == Left || s == Right
}

func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func ParseSide(raw string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "left", "l":
		return Left, nil
	case "right", "r":
		return Right, nil
	default:
		return 0, fmt.Errorf("protocol: unknown side %q", raw)
	}
}

// SideSet is the destination routing of one send request.
type SideSet uint8

const (
	LeftOnly  SideSet = 1 << Left
	RightOnly SideSet = 1 << Right
	BothSides         = LeftOnly | RightOnly
)

func (s SideSet) Has(side Side) bool {
	return s&(1<<side) != 0
}

// Ordered returns the member sides, Left before Right.
func (s SideSet) Ordered() []Side {
	out := make([]Side, 0, 2)
	for _, side := range Sides {
		if s.Has(side) {
			out = append(out, side)
		}
	}
	return out
}

func (s SideSet) String() string {
	switch s {
	case LeftOnly:
		return "left"
	case RightOnly:
		return "right"
	case BothSides:
		return "both"
	default:
		return "none"
	}
}

// PeripheralState is the lifecycle of one arm.
type PeripheralState uint8

const (
	StateIdle PeripheralState = iota
	StateScanning
	StateBonding
	StateBonded
	StateConnecting
	StateServiceReady
	StateDisconnected
)

var peripheralStateNames = [...]string{
	StateIdle:         "idle",
	StateScanning:     "scanning",
	StateBonding:      "bonding",
	StateBonded:       "bonded",
	StateConnecting:   "connecting",
	StateServiceReady: "service_ready",
	StateDisconnected: "disconnected",
}

func (s PeripheralState) String() string {
	if int(s) < len(peripheralStateNames) {
		return peripheralStateNames[s]
	}
	return fmt.Sprintf("peripheral_state(%d)", uint8(s))
}

func (s PeripheralState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Live reports whether the arm holds or is opening a transport connection.
func (s PeripheralState) Live() bool {
	return s == StateConnecting || s == StateServiceReady
}

// LinkState is the composite status of both arms.
type LinkState uint8

const (
	LinkDisconnected LinkState = iota
	LinkScanning
	LinkBonding
	LinkConnecting
	LinkConnected
	LinkPermanentFailure
)

var linkStateNames = [...]string{
	LinkDisconnected:     "disconnected",
	LinkScanning:         "scanning",
	LinkBonding:          "bonding",
	LinkConnecting:       "connecting",
	LinkConnected:        "connected",
	LinkPermanentFailure: "permanent_failure",
}

func (s LinkState) String() string {
	if int(s) < len(linkStateNames) {
		return linkStateNames[s]
	}
	return fmt.Sprintf("link_state(%d)", uint8(s))
}

func (s LinkState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// DeriveLinkState folds two arm states into the composite connection state.
// Connected requires both arms at ServiceReady; any live arm means Connecting.
func DeriveLinkState(left, right PeripheralState) LinkState {
	switch {
	case left == StateServiceReady && right == StateServiceReady:
		return LinkConnected
	case left.Live() || right.Live():
		return LinkConnecting
	default:
		return LinkDisconnected
	}
}
