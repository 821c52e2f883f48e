package correction

import "fmt"

// Level selects how per-token log-ratios are aggregated before being turned
// into multiplicative weights or keep/reject decisions.
type Level uint8

const (
	// LevelToken uses each token's own ratio.
	LevelToken Level = iota
	// LevelSequence uses the product of a sequence's token ratios
	// (sum in log space).
	LevelSequence
	// LevelGeometric uses the geometric mean of a sequence's token ratios
	// (masked mean in log space). Only valid for rejection sampling.
	LevelGeometric
)

// ParseLevel converts a wire-level mode string into a Level. This is the only
// place a mode string is interpreted; numeric code works on Level values.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "token":
		return LevelToken, nil
	case "sequence":
		return LevelSequence, nil
	case "geometric":
		return LevelGeometric, nil
	}
	return 0, fmt.Errorf("invalid aggregation level %q: must be one of token, sequence, geometric", s)
}

func (l Level) String() string {
	switch l {
	case LevelToken:
		return "token"
	case LevelSequence:
		return "sequence"
	case LevelGeometric:
		return "geometric"
	}
	return fmt.Sprintf("level(%d)", uint8(l))
}
