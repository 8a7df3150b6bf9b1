package execution

import (
	"fmt"

	"github.com/planguard/control-plane/pkg/models"
)

const (
	unvisited = iota
	visiting
	visited
)

// Order returns a deterministic execution order for steps: a depth-first
// topological sort over deps, visiting roots in index order. A dependency
// outside the plan fails with ErrInvalidDependency; a cycle fails with
// ErrCircularDependency.
func Order(steps []models.Step) ([]int, error) {
	n := len(steps)
	for i, s := range steps {
		for _, d := range s.Deps {
			if d < 0 || d >= n {
				return nil, fmt.Errorf("%w: step %d depends on %d, plan has %d steps", ErrInvalidDependency, i, d, n)
			}
		}
	}

	state := make([]int, n)
	order := make([]int, 0, n)

	var visit func(i int, path []int) error
	visit = func(i int, path []int) error {
		switch state[i] {
		case visited:
			return nil
		case visiting:
			return fmt.Errorf("%w: %s", ErrCircularDependency, cyclePath(path, i))
		}
		state[i] = visiting
		for _, d := range steps[i].Deps {
			if err := visit(d, append(path, i)); err != nil {
				return err
			}
		}
		state[i] = visited
		order = append(order, i)
		return nil
	}

	for i := range steps {
		if err := visit(i, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func cyclePath(path []int, back int) string {
	start := 0
	for i, p := range path {
		if p == back {
			start = i
			break
		}
	}
	s := ""
	for _, p := range path[start:] {
		s += fmt.Sprintf("%d → ", p)
	}
	return s + fmt.Sprint(back)
}
