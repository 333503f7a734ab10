// Package alpha partitions the pixel grid among candidate scenes.
//
// Scenes are taken in catalog order. A pixel belongs to the first scene
// whose footprint covers it, so the per-scene layers never overlap and
// together cover exactly the union of the availability masks. When one
// scene alone covers more than the fill threshold, the first such scene
// takes the whole grid instead.
package alpha

import (
	"fmt"

	"imagery-mosaic/internal/mask"
)

// DefaultFillThreshold selects the single-scene fast path
const DefaultFillThreshold = 0.95

// Unowned marks a pixel no scene covers
const Unowned = -1

// Strategy is the outcome of the assignment decision
type Strategy int

const (
	// StrategyPartition splits the grid among scenes by precedence
	StrategyPartition Strategy = iota
	// StrategySingleScene fetches the whole grid from one scene
	StrategySingleScene
)

func (s Strategy) String() string {
	switch s {
	case StrategySingleScene:
		return "single_scene"
	default:
		return "partition"
	}
}

// Assignment is the per-pixel scene ownership of a grid
type Assignment struct {
	Strategy Strategy
	Scenes   []string
	Dx       int
	Dy       int

	// Scene is the chosen scene index on the single-scene path, -1 otherwise
	Scene int

	// Owner holds, per pixel, the owning scene index or Unowned.
	// Only populated for StrategyPartition.
	Owner []int32
}

// Assign chooses the strategy and computes the ownership partition
func Assign(avail []mask.Availability, threshold float64) (*Assignment, error) {
	if len(avail) == 0 {
		return nil, fmt.Errorf("no availability masks to assign")
	}
	dx, dy := avail[0].Mask.Dx, avail[0].Mask.Dy
	for _, a := range avail[1:] {
		if a.Mask.Dx != dx || a.Mask.Dy != dy {
			return nil, fmt.Errorf("mask %s is %dx%d, expected %dx%d", a.SceneID, a.Mask.Dx, a.Mask.Dy, dx, dy)
		}
	}

	scenes := make([]string, len(avail))
	for i, a := range avail {
		scenes[i] = a.SceneID
	}

	if i := FirstAboveThreshold(avail, threshold); i >= 0 {
		return &Assignment{
			Strategy: StrategySingleScene,
			Scenes:   scenes,
			Dx:       dx,
			Dy:       dy,
			Scene:    i,
		}, nil
	}

	owner := make([]int32, dx*dy)
	for p := range owner {
		owner[p] = Unowned
	}
	for i, a := range avail {
		for p, covered := range a.Mask.Bits {
			if covered && owner[p] == Unowned {
				owner[p] = int32(i)
			}
		}
	}

	return &Assignment{
		Strategy: StrategyPartition,
		Scenes:   scenes,
		Dx:       dx,
		Dy:       dy,
		Scene:    -1,
		Owner:    owner,
	}, nil
}

// FirstAboveThreshold returns the lowest index whose fill fraction is
// strictly above threshold, or -1. Later scenes with a higher fill do not
// win over an earlier qualifying one.
func FirstAboveThreshold(avail []mask.Availability, threshold float64) int {
	for i, a := range avail {
		if a.Fill > threshold {
			return i
		}
	}
	return -1
}

// Owns reports whether scene i owns pixel (x, y)
func (a *Assignment) Owns(i, x, y int) bool {
	if a.Strategy == StrategySingleScene {
		return i == a.Scene
	}
	return a.Owner[y*a.Dx+x] == int32(i)
}

// Layer returns scene i's alpha layer as a mask
func (a *Assignment) Layer(i int) *mask.Mask {
	m := mask.New(a.Dx, a.Dy)
	if a.Strategy == StrategySingleScene {
		if i == a.Scene {
			for p := range m.Bits {
				m.Bits[p] = true
			}
		}
		return m
	}
	for p, o := range a.Owner {
		m.Bits[p] = o == int32(i)
	}
	return m
}

// Unassigned returns the number of pixels owned by no scene
func (a *Assignment) Unassigned() int {
	if a.Strategy == StrategySingleScene {
		return 0
	}
	n := 0
	for _, o := range a.Owner {
		if o == Unowned {
			n++
		}
	}
	return n
}
