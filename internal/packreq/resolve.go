package packreq

import (
	"sort"
	"strings"

	"github.com/packfetch/packfetch/internal/registry"
	"github.com/packfetch/packfetch/pkg/errclass"
	"github.com/packfetch/packfetch/pkg/model"
)

// Closure returns the packs that must be fetched before root can be used:
// every reachable pack that has an archive and is not mounted yet, sorted
// by name. Root itself is not included.
func Closure(reg registry.Registry, root string) ([]string, error) {
	c := closure{
		reg:    reg,
		need:   make(map[string]bool),
		onPath: map[string]bool{root: true},
		done:   make(map[string]bool),
		path:   []string{root},
	}
	if err := c.walk(root); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(c.need))
	for name := range c.need {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

type closure struct {
	reg    registry.Registry
	need   map[string]bool
	onPath map[string]bool
	done   map[string]bool
	path   []string
}

func (c *closure) walk(name string) error {
	p, err := c.reg.GetPack(name)
	if err != nil {
		return err
	}
	for _, dep := range p.Dependencies {
		if c.onPath[dep] {
			cycle := append(append([]string(nil), c.path...), dep)
			return errclass.ErrDependencyCycle.WithMessagef("dependency cycle: %s", strings.Join(cycle, " -> "))
		}

		dp, err := c.reg.GetPack(dep)
		if err != nil {
			return err
		}
		if !dp.IsVirtual() && dp.State != model.PackMounted {
			c.need[dep] = true
		}
		if c.done[dep] {
			continue
		}

		c.onPath[dep] = true
		c.path = append(c.path, dep)
		if err := c.walk(dep); err != nil {
			return err
		}
		c.path = c.path[:len(c.path)-1]
		delete(c.onPath, dep)
		c.done[dep] = true
	}
	return nil
}
