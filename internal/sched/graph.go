package sched

import (
	"fmt"
	"slices"

	"github.com/sduerr85/OpenBuildNet/sim"
)

// ErrDependencyCycle reports a cycle in the per-tick projection. The
// static check in sim.Compile prevents this for accepted configurations;
// it remains here as the tick-time guarantee of the barrier.
type ErrDependencyCycle struct {
	Blocked []sim.BlockRef
}

func (e *ErrDependencyCycle) Error() string {
	return fmt.Sprintf("sched: dependency cycle among fired blocks %v", e.Blocked)
}

// ExpandTriggers closes a firing set over trigger edges: any block whose
// triggering input is wired to an output of a fired block fires at the
// same virtual time. Iterates to fixed point; returns the closed set in
// ascending gid order.
func ExpandTriggers(m *sim.Model, initial []int) []int {
	inSet := make(map[int]bool, len(initial))
	var frontier []int
	for _, g := range initial {
		if !inSet[g] {
			inSet[g] = true
			frontier = append(frontier, g)
		}
	}

	for len(frontier) > 0 {
		g := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		for _, tgt := range m.TriggerTargets(g) {
			if !inSet[tgt] {
				inSet[tgt] = true
				frontier = append(frontier, tgt)
			}
		}
	}

	fired := make([]int, 0, len(inSet))
	for g := range inSet {
		fired = append(fired, g)
	}
	slices.Sort(fired)
	return fired
}

// BuildWaves partitions a firing set into topological waves over the
// dependency edges restricted to the set. Each wave is a maximal antichain
// whose predecessors have all completed; blocks within a wave are sorted
// by gid, i.e. by (node id, block id), so the partition is deterministic.
//
// Kahn's algorithm by layers: repeatedly take all zero in-degree members.
func BuildWaves(m *sim.Model, fired []int) ([][]int, error) {
	index := make(map[int]int, len(fired))
	for i, g := range fired {
		index[g] = i
	}

	inDegree := make([]int, len(fired))
	succ := make([][]int, len(fired))
	for i, g := range fired {
		for _, next := range m.Successors(g) {
			j, ok := index[next]
			if !ok {
				continue // successor not firing this tick
			}
			succ[i] = append(succ[i], j)
			inDegree[j]++
		}
	}

	var waves [][]int
	done := 0
	ready := make([]int, 0, len(fired))
	for i := range fired {
		if inDegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	for len(ready) > 0 {
		wave := make([]int, 0, len(ready))
		for _, i := range ready {
			wave = append(wave, fired[i])
		}
		slices.Sort(wave)
		waves = append(waves, wave)
		done += len(wave)

		var next []int
		for _, i := range ready {
			for _, j := range succ[i] {
				inDegree[j]--
				if inDegree[j] == 0 {
					next = append(next, j)
				}
			}
		}
		ready = next
	}

	if done != len(fired) {
		var blocked []sim.BlockRef
		for i, g := range fired {
			if inDegree[i] > 0 {
				blocked = append(blocked, m.Ref(g))
			}
		}
		return nil, &ErrDependencyCycle{Blocked: blocked}
	}

	return waves, nil
}

// MasksByNode groups one wave's blocks into per-node update masks. The
// returned node ids are sorted so dispatch order is stable.
func MasksByNode(m *sim.Model, wave []int) ([]int32, map[int32]uint64) {
	masks := make(map[int32]uint64)
	var nodes []int32
	for _, g := range wave {
		ref := m.Ref(g)
		if _, ok := masks[ref.Node]; !ok {
			nodes = append(nodes, ref.Node)
		}
		masks[ref.Node] |= 1 << uint(ref.Local)
	}
	slices.Sort(nodes)
	return nodes, masks
}
