package event

// Side represents position direction
type Side int32

const (
	SideUnknown Side = iota
	SideLong
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "long"
	case SideShort:
		return "short"
	default:
		return "unknown"
	}
}

// SideFromString parses a wire-format direction string.
func SideFromString(s string) Side {
	switch s {
	case "long":
		return SideLong
	case "short":
		return SideShort
	default:
		return SideUnknown
	}
}
