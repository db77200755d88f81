package sched

import (
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/sduerr85/OpenBuildNet/sim"
)

// chainSystem is A -> B -> C through feedthrough inputs, plus an
// independent D, all with period 1000.
func chainSystem(t *testing.T) *sim.Model {
	t.Helper()
	sys := &sim.System{
		Workspace: "t",
		TimeUnit:  1,
		FinalTime: 1000,
		Nodes: []sim.Node{
			{
				Name:   "a",
				Ports:  []sim.Port{{Name: "y", Dir: sim.Output}},
				Blocks: []sim.Block{{LocalID: 0, Period: 1000, Outputs: []string{"y"}}},
			},
			{
				Name: "b",
				Ports: []sim.Port{
					{Name: "u", Dir: sim.Input},
					{Name: "y", Dir: sim.Output},
				},
				Blocks: []sim.Block{{
					LocalID: 0, Period: 1000,
					Feedthrough: []string{"u"}, Outputs: []string{"y"},
				}},
			},
			{
				Name:  "c",
				Ports: []sim.Port{{Name: "u", Dir: sim.Input}},
				Blocks: []sim.Block{{
					LocalID: 0, Period: 1000, Feedthrough: []string{"u"},
				}},
			},
			{
				Name:   "d",
				Blocks: []sim.Block{{LocalID: 0, Period: 1000}},
			},
		},
		Connections: []sim.Connection{
			{FromNode: "a", FromPort: "y", ToNode: "b", ToPort: "u"},
			{FromNode: "b", FromPort: "y", ToNode: "c", ToPort: "u"},
		},
	}
	m, err := sim.Compile(sys)
	assert.NoError(t, err)
	return m
}

func TestBuildWaves(t *testing.T) {
	m := chainSystem(t)
	a, b, c, d := m.GID(0, 0), m.GID(1, 0), m.GID(2, 0), m.GID(3, 0)

	t.Run("chain yields one wave per link", func(t *testing.T) {
		waves, err := BuildWaves(m, []int{a, b, c, d})
		assert.NoError(t, err)
		assert.Equal(t, [][]int{{a, d}, {b}, {c}}, waves)
	})

	t.Run("absent producer drops the edge", func(t *testing.T) {
		// b fires without a: nothing orders b this tick.
		waves, err := BuildWaves(m, []int{b, c})
		assert.NoError(t, err)
		assert.Equal(t, [][]int{{b}, {c}}, waves)
	})

	t.Run("independent blocks share one wave", func(t *testing.T) {
		waves, err := BuildWaves(m, []int{a, d})
		assert.NoError(t, err)
		assert.Equal(t, [][]int{{a, d}}, waves)
	})

	t.Run("empty set", func(t *testing.T) {
		waves, err := BuildWaves(m, nil)
		assert.NoError(t, err)
		assert.Equal(t, 0, len(waves))
	})
}

func TestExpandTriggers(t *testing.T) {
	sys := &sim.System{
		Workspace: "t",
		TimeUnit:  1,
		FinalTime: 9000,
		Nodes: []sim.Node{
			{
				Name:   "a",
				Ports:  []sim.Port{{Name: "y", Dir: sim.Output}},
				Blocks: []sim.Block{{LocalID: 0, Period: 3000, Outputs: []string{"y"}}},
			},
			{
				Name: "c",
				Ports: []sim.Port{
					{Name: "trig", Dir: sim.Input},
					{Name: "out", Dir: sim.Output},
				},
				Blocks: []sim.Block{{
					LocalID: 0, Period: 0,
					Triggers: []string{"trig"}, Outputs: []string{"out"},
				}},
			},
			{
				Name:  "e",
				Ports: []sim.Port{{Name: "trig", Dir: sim.Input}},
				Blocks: []sim.Block{{
					LocalID: 0, Period: 0, Triggers: []string{"trig"},
				}},
			},
		},
		Connections: []sim.Connection{
			{FromNode: "a", FromPort: "y", ToNode: "c", ToPort: "trig"},
			{FromNode: "c", FromPort: "out", ToNode: "e", ToPort: "trig"},
		},
	}
	m, err := sim.Compile(sys)
	assert.NoError(t, err)

	t.Run("triggers chain to fixed point", func(t *testing.T) {
		fired := ExpandTriggers(m, []int{m.GID(0, 0)})
		assert.Equal(t, []int{m.GID(0, 0), m.GID(1, 0), m.GID(2, 0)}, fired)
	})

	t.Run("event-only block alone stays alone", func(t *testing.T) {
		fired := ExpandTriggers(m, []int{m.GID(2, 0)})
		assert.Equal(t, []int{m.GID(2, 0)}, fired)
	})
}

func TestMasksByNode(t *testing.T) {
	sys := &sim.System{
		Workspace: "t",
		TimeUnit:  1,
		FinalTime: 1000,
		Nodes: []sim.Node{
			{
				Name: "multi",
				Blocks: []sim.Block{
					{LocalID: 0, Period: 1000},
					{LocalID: 1, Period: 1000},
					{LocalID: 2, Period: 1000},
				},
			},
			{
				Name:   "solo",
				Blocks: []sim.Block{{LocalID: 0, Period: 1000}},
			},
		},
	}
	m, err := sim.Compile(sys)
	assert.NoError(t, err)

	nodes, masks := MasksByNode(m, []int{m.GID(0, 0), m.GID(0, 2), m.GID(1, 0)})
	assert.Equal(t, []int32{0, 1}, nodes)
	assert.Equal(t, uint64(0b101), masks[0])
	assert.Equal(t, uint64(0b1), masks[1])
}
