package queue

// Position is a waiting customer's place relative to the serving capacity.
type Position struct {
	Index     int
	Ahead     int
	Remaining int
}

// Remaining reports how many more promotions must happen before the customer
// at index (0-based, arrival order) is promoted. Zero means the customer is
// next in line for a free slot.
func Remaining(index, servingCount, maxServing int) int {
	if maxServing < 1 {
		maxServing = 1
	}
	if servingCount < 0 {
		servingCount = 0
	}
	ahead := servingCount + index
	remaining := ahead - (maxServing - 1)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func Positions(n, servingCount, maxServing int) []Position {
	out := make([]Position, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Position{
			Index:     i,
			Ahead:     servingCount + i,
			Remaining: Remaining(i, servingCount, maxServing),
		})
	}
	return out
}

// Need is the number of free serving slots.
func Need(servingCount, maxServing int) int {
	if maxServing < 1 {
		maxServing = 1
	}
	if need := maxServing - servingCount; need > 0 {
		return need
	}
	return 0
}
