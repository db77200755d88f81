package sim

import (
	"strings"
	"testing"

	"github.com/alecthomas/assert/v2"
)

func twoNodeSystem() *System {
	return &System{
		Workspace: "test",
		TimeUnit:  1,
		FinalTime: 5000,
		Nodes: []Node{
			{
				Name: "plant",
				Ports: []Port{
					{Name: "y", Dir: Output},
				},
				Blocks: []Block{
					{LocalID: 0, Period: 1000, Outputs: []string{"y"}},
				},
			},
			{
				Name:             "ctrl",
				NeedsStateUpdate: true,
				Ports: []Port{
					{Name: "u", Dir: Input},
					{Name: "cmd", Dir: Output},
				},
				Blocks: []Block{
					{LocalID: 0, Period: 1000, Feedthrough: []string{"u"}, Outputs: []string{"cmd"}},
				},
			},
		},
		Connections: []Connection{
			{FromNode: "plant", FromPort: "y", ToNode: "ctrl", ToPort: "u"},
		},
	}
}

func TestValidate(t *testing.T) {
	t.Run("valid system", func(t *testing.T) {
		assert.NoError(t, twoNodeSystem().Validate())
	})

	t.Run("duplicate node name", func(t *testing.T) {
		sys := twoNodeSystem()
		sys.Nodes[1].Name = "plant"
		err := sys.Validate()
		assert.Error(t, err)
		assert.True(t, strings.Contains(err.Error(), "duplicate node name"))
	})

	t.Run("negative period", func(t *testing.T) {
		sys := twoNodeSystem()
		sys.Nodes[0].Blocks[0].Period = -5
		assert.Error(t, sys.Validate())
	})

	t.Run("block references unknown port", func(t *testing.T) {
		sys := twoNodeSystem()
		sys.Nodes[1].Blocks[0].Feedthrough = []string{"nope"}
		err := sys.Validate()
		assert.Error(t, err)
		assert.True(t, strings.Contains(err.Error(), "unknown feedthrough input port"))
	})

	t.Run("connection to unknown node", func(t *testing.T) {
		sys := twoNodeSystem()
		sys.Connections[0].ToNode = "ghost"
		assert.Error(t, sys.Validate())
	})

	t.Run("misnumbered local id", func(t *testing.T) {
		sys := twoNodeSystem()
		sys.Nodes[0].Blocks[0].LocalID = 3
		assert.Error(t, sys.Validate())
	})
}

func TestCompile(t *testing.T) {
	t.Run("cross node feedthrough becomes an edge", func(t *testing.T) {
		m, err := Compile(twoNodeSystem())
		assert.NoError(t, err)

		plant := m.GID(0, 0)
		ctrl := m.GID(1, 0)
		assert.Equal(t, []int{ctrl}, m.Successors(plant))
		assert.Equal(t, 0, len(m.Successors(ctrl)))
	})

	t.Run("feedthrough cycle is refused", func(t *testing.T) {
		sys := twoNodeSystem()
		sys.Nodes[0].Ports = append(sys.Nodes[0].Ports, Port{Name: "fb", Dir: Input})
		sys.Nodes[0].Blocks[0].Feedthrough = []string{"fb"}
		sys.Connections = append(sys.Connections, Connection{
			FromNode: "ctrl", FromPort: "cmd", ToNode: "plant", ToPort: "fb",
		})

		_, err := Compile(sys)
		assert.Error(t, err)
		assert.True(t, strings.Contains(err.Error(), "dependency cycle"))
	})

	t.Run("internal deps order blocks within a node", func(t *testing.T) {
		sys := twoNodeSystem()
		sys.Nodes[1].Blocks = append(sys.Nodes[1].Blocks, Block{
			LocalID: 1, Period: 1000, InternalDeps: []int{0},
		})

		m, err := Compile(sys)
		assert.NoError(t, err)
		assert.Equal(t, []int{m.GID(1, 1)}, m.Successors(m.GID(1, 0)))
	})

	t.Run("trigger wiring", func(t *testing.T) {
		sys := twoNodeSystem()
		sys.Nodes[1].Blocks[0].Feedthrough = nil
		sys.Nodes[1].Blocks[0].Triggers = []string{"u"}

		m, err := Compile(sys)
		assert.NoError(t, err)
		assert.Equal(t, []int{m.GID(1, 0)}, m.TriggerTargets(m.GID(0, 0)))
		assert.Equal(t, 0, len(m.Successors(m.GID(0, 0))))
	})
}

func TestRegistry(t *testing.T) {
	m, err := Compile(twoNodeSystem())
	assert.NoError(t, err)

	t.Run("registration is idempotent", func(t *testing.T) {
		r := NewRegistry(m)
		id1, err := r.Register("plant", Signature{Periods: []int64{1000}})
		assert.NoError(t, err)
		id2, err := r.Register("plant", Signature{Periods: []int64{1000}})
		assert.NoError(t, err)
		assert.Equal(t, id1, id2)
		assert.Equal(t, Registered, r.State(id1))
	})

	t.Run("conflicting signature fails", func(t *testing.T) {
		r := NewRegistry(m)
		_, err := r.Register("plant", Signature{Periods: []int64{999}})
		assert.IsError(t, err, ErrRegistrationConflict)
	})

	t.Run("unknown node fails", func(t *testing.T) {
		r := NewRegistry(m)
		_, err := r.Register("ghost", Signature{})
		assert.IsError(t, err, ErrUnknownNode)
	})

	t.Run("frozen registry rejects registration", func(t *testing.T) {
		r := NewRegistry(m)
		r.Freeze()
		_, err := r.Register("plant", Signature{Periods: []int64{1000}})
		assert.IsError(t, err, ErrRegistryFrozen)
	})

	t.Run("absorbing states stick", func(t *testing.T) {
		r := NewRegistry(m)
		id, err := r.Register("plant", Signature{Periods: []int64{1000}})
		assert.NoError(t, err)

		assert.True(t, r.Transition(id, Ready))
		assert.True(t, r.Transition(id, TimedOut))
		assert.False(t, r.Transition(id, Running))
		assert.Equal(t, TimedOut, r.State(id))
	})

	t.Run("no regression along the normal path", func(t *testing.T) {
		r := NewRegistry(m)
		id, _ := r.Register("ctrl", Signature{Periods: []int64{1000}})
		assert.True(t, r.Transition(id, Running))
		assert.False(t, r.Transition(id, Ready))
		assert.Equal(t, Running, r.State(id))
	})
}
