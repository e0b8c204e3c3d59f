// Package diff computes edit scripts between two ordered lists of keys.
package diff

// Kind is the type of an edit.
type Kind int

const (
	Insert Kind = iota
	Remove
	Move
)

func (k Kind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Remove:
		return "remove"
	case Move:
		return "move"
	default:
		return "unknown"
	}
}

// Op is one edit. From is the index in the old list (Remove, Move), To the
// index in the new list (Insert, Move); the unused side is -1.
type Op struct {
	Kind Kind
	Key  string
	From int
	To   int
}

// Compute returns a shortest edit script turning old into new, using
// Myers' O(ND) algorithm. A key removed at one position and inserted at
// another is reported as a single Move. Keys are expected to be unique
// within each list.
func Compute(old, new []string) []Op {
	var (
		removes []Op
		inserts []Op
	)
	for _, e := range script(old, new) {
		if e.Kind == Remove {
			removes = append(removes, e)
		} else {
			inserts = append(inserts, e)
		}
	}

	inserted := make(map[string]int, len(inserts))
	for i, op := range inserts {
		inserted[op.Key] = i
	}

	var ops []Op
	moved := make(map[int]bool)
	for _, r := range removes {
		if i, ok := inserted[r.Key]; ok && !moved[i] {
			moved[i] = true
			ops = append(ops, Op{Kind: Move, Key: r.Key, From: r.From, To: inserts[i].To})
			continue
		}
		ops = append(ops, r)
	}
	for i, op := range inserts {
		if !moved[i] {
			ops = append(ops, op)
		}
	}
	return ops
}

// script runs the greedy forward search and walks the trace back into
// removes and inserts, ordered by position.
func script(a, b []string) []Op {
	n, m := len(a), len(b)
	maxD := n + m
	if maxD == 0 {
		return nil
	}

	offset := maxD
	v := make([]int, 2*maxD+2)
	var trace [][]int

search:
	for d := 0; d <= maxD; d++ {
		snapshot := make([]int, len(v))
		copy(snapshot, v)
		trace = append(trace, snapshot)

		for k := -d; k <= d; k += 2 {
			var x int
			if k == -d || (k != d && v[offset+k-1] < v[offset+k+1]) {
				x = v[offset+k+1]
			} else {
				x = v[offset+k-1] + 1
			}
			y := x - k
			for x < n && y < m && a[x] == b[y] {
				x++
				y++
			}
			v[offset+k] = x
			if x >= n && y >= m {
				break search
			}
		}
	}

	var ops []Op
	x, y := n, m
	for d := len(trace) - 1; d > 0; d-- {
		prev := trace[d]
		k := x - y
		var prevK int
		if k == -d || (k != d && prev[offset+k-1] < prev[offset+k+1]) {
			prevK = k + 1
		} else {
			prevK = k - 1
		}
		prevX := prev[offset+prevK]
		prevY := prevX - prevK

		for x > prevX && y > prevY {
			x--
			y--
		}
		if x == prevX {
			ops = append(ops, Op{Kind: Insert, Key: b[prevY], From: -1, To: prevY})
		} else {
			ops = append(ops, Op{Kind: Remove, Key: a[prevX], From: prevX, To: -1})
		}
		x, y = prevX, prevY
	}

	for i, j := 0, len(ops)-1; i < j; i, j = i+1, j-1 {
		ops[i], ops[j] = ops[j], ops[i]
	}
	return ops
}

// Apply replays ops on old and returns the result. It is the inverse
// check of Compute: Apply(old, Compute(old, new)) equals new.
func Apply(old []string, ops []Op) []string {
	size := len(old)
	for _, op := range ops {
		switch op.Kind {
		case Insert:
			size++
		case Remove:
			size--
		}
	}

	out := make([]string, size)
	filled := make([]bool, size)
	gone := make(map[int]bool)
	for _, op := range ops {
		switch op.Kind {
		case Insert:
			out[op.To] = op.Key
			filled[op.To] = true
		case Remove:
			gone[op.From] = true
		case Move:
			gone[op.From] = true
			out[op.To] = op.Key
			filled[op.To] = true
		}
	}

	j := 0
	for i, key := range old {
		if gone[i] {
			continue
		}
		for j < size && filled[j] {
			j++
		}
		if j == size {
			break
		}
		out[j] = key
		filled[j] = true
	}
	return out
}
