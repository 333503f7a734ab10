package composite

import (
	"slices"

	"imagery-mosaic/internal/alpha"
	"imagery-mosaic/internal/grid"
)

// Task is one remote fetch: a patch of a scene
type Task struct {
	Scene   int
	SceneID string
	Patch   grid.PatchCoord
}

// Plan lists, per scene, the unique patches holding at least one pixel the
// scene owns. Patch lists are sorted row-major so fetch order is reproducible.
type Plan struct {
	Strategy alpha.Strategy
	Patches  [][]grid.PatchCoord // indexed by scene
	Tasks    []Task
}

// NewPlan derives the fetch plan from an assignment. On the single-scene
// path every patch of the grid is fetched for the chosen scene.
func NewPlan(a *alpha.Assignment, ix grid.Indexer) *Plan {
	patches := make([][]grid.PatchCoord, len(a.Scenes))

	if a.Strategy == alpha.StrategySingleScene {
		patches[a.Scene] = ix.All()
	} else {
		sets := make([]map[grid.PatchCoord]struct{}, len(a.Scenes))
		for i := range sets {
			sets[i] = make(map[grid.PatchCoord]struct{})
		}
		for p, owner := range a.Owner {
			if owner == alpha.Unowned {
				continue
			}
			sets[owner][ix.PatchOf(p%a.Dx, p/a.Dx)] = struct{}{}
		}
		for i, set := range sets {
			list := make([]grid.PatchCoord, 0, len(set))
			for pc := range set {
				list = append(list, pc)
			}
			slices.SortFunc(list, func(x, y grid.PatchCoord) int {
				switch {
				case x.Less(y):
					return -1
				case y.Less(x):
					return 1
				}
				return 0
			})
			patches[i] = list
		}
	}

	plan := &Plan{Strategy: a.Strategy, Patches: patches}
	for i, list := range patches {
		for _, pc := range list {
			plan.Tasks = append(plan.Tasks, Task{Scene: i, SceneID: a.Scenes[i], Patch: pc})
		}
	}
	return plan
}

// Len returns the number of fetch tasks
func (p *Plan) Len() int {
	return len(p.Tasks)
}
