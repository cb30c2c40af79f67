package supervisor

import (
	"fmt"
	"strings"

	"github.com/loykin/tandem/internal/failure"
	"github.com/loykin/tandem/internal/process"
)

// Order validates specs and returns their names in dependency order: every
// service comes after the service it depends on. Ties keep declaration order.
func Order(specs []process.Spec) ([]string, error) {
	byName := make(map[string]int, len(specs))
	for i, s := range specs {
		if err := s.Validate(); err != nil {
			return nil, failure.New(failure.KindConfiguration, s.Name, "load", err)
		}
		if _, dup := byName[s.Name]; dup {
			return nil, failure.Errorf(failure.KindConfiguration, s.Name, "load", "duplicate service name")
		}
		byName[s.Name] = i
	}

	indeg := make([]int, len(specs))
	dependents := make([][]int, len(specs))
	for i, s := range specs {
		if s.DependsOn == "" {
			continue
		}
		j, ok := byName[s.DependsOn]
		if !ok {
			return nil, failure.Errorf(failure.KindConfiguration, s.Name, "load", "depends on unknown service %q", s.DependsOn)
		}
		indeg[i]++
		dependents[j] = append(dependents[j], i)
	}

	order := make([]string, 0, len(specs))
	var queue []int
	for i := range specs {
		if indeg[i] == 0 {
			queue = append(queue, i)
		}
	}
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		order = append(order, specs[i].Name)
		for _, d := range dependents[i] {
			indeg[d]--
			if indeg[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	if len(order) != len(specs) {
		var cyc []string
		for i, n := range indeg {
			if n > 0 {
				cyc = append(cyc, specs[i].Name)
			}
		}
		return nil, failure.New(failure.KindConfiguration, "", "load",
			fmt.Errorf("dependency cycle between %s", strings.Join(cyc, ", ")))
	}
	return order, nil
}
