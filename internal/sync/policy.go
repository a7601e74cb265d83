package sync

// Order is the outcome of a timestamp comparison.
type Order int

const (
	Tie Order = iota
	Local
	Remote
)

func (o Order) String() string {
	switch o {
	case Local:
		return "local"
	case Remote:
		return "remote"
	default:
		return "tie"
	}
}

// ChooseNewer decides which side's data wins by timestamp. Equal timestamps,
// including both unset, are a Tie, which every merge resolves by keeping the
// larger count per goal.
func ChooseNewer(localTs, remoteTs int64) Order {
	switch {
	case localTs > remoteTs:
		return Local
	case remoteTs > localTs:
		return Remote
	default:
		return Tie
	}
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
