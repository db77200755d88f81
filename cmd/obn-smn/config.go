package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sduerr85/OpenBuildNet/sim"
)

// fileConfig is the YAML shape of a system description file.
type fileConfig struct {
	Workspace  string         `yaml:"workspace"`
	TimeUnitUS uint64         `yaml:"time_unit_us"`
	FinalTime  int64          `yaml:"final_time"`
	Deadlines  fileDeadlines  `yaml:"deadlines"`
	Nodes      []fileNode     `yaml:"nodes"`
	Connection []fileConn     `yaml:"connections"`
}

type fileDeadlines struct {
	Connect duration `yaml:"connect"`
	Init    duration `yaml:"init"`
	UpdateY duration `yaml:"update_y"`
	UpdateX duration `yaml:"update_x"`
	Term    duration `yaml:"term"`
}

// duration accepts Go duration strings ("30s", "500ms") in YAML.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", s, err)
	}
	*d = duration(parsed)
	return nil
}

type fileNode struct {
	Name             string      `yaml:"name"`
	Endpoint         string      `yaml:"endpoint"`
	NeedsStateUpdate bool        `yaml:"needs_state_update"`
	Ports            []filePort  `yaml:"ports"`
	Blocks           []fileBlock `yaml:"blocks"`
}

type filePort struct {
	Name string `yaml:"name"`
	Dir  string `yaml:"dir"`
}

type fileBlock struct {
	ID           int      `yaml:"id"`
	Period       int64    `yaml:"period"`
	Feedthrough  []string `yaml:"feedthrough"`
	Triggers     []string `yaml:"triggers"`
	Outputs      []string `yaml:"outputs"`
	InternalDeps []int    `yaml:"internal_deps"`
}

type fileConn struct {
	From string `yaml:"from"` // node.port
	To   string `yaml:"to"`   // node.port
}

// loadSystem reads and converts a YAML system description.
func loadSystem(path string) (*sim.System, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	sys := &sim.System{
		Workspace: fc.Workspace,
		TimeUnit:  fc.TimeUnitUS,
		FinalTime: fc.FinalTime,
		Deadlines: sim.Deadlines{
			Connect: time.Duration(fc.Deadlines.Connect),
			Init:    time.Duration(fc.Deadlines.Init),
			UpdateY: time.Duration(fc.Deadlines.UpdateY),
			UpdateX: time.Duration(fc.Deadlines.UpdateX),
			Term:    time.Duration(fc.Deadlines.Term),
		},
	}

	for _, fn := range fc.Nodes {
		n := sim.Node{
			Name:             fn.Name,
			Endpoint:         fn.Endpoint,
			NeedsStateUpdate: fn.NeedsStateUpdate,
		}
		for _, fp := range fn.Ports {
			dir, err := parseDir(fp.Dir)
			if err != nil {
				return nil, fmt.Errorf("node %s port %s: %w", fn.Name, fp.Name, err)
			}
			n.Ports = append(n.Ports, sim.Port{Name: fp.Name, Dir: dir})
		}
		for _, fb := range fn.Blocks {
			n.Blocks = append(n.Blocks, sim.Block{
				LocalID:      fb.ID,
				Period:       fb.Period,
				Feedthrough:  fb.Feedthrough,
				Triggers:     fb.Triggers,
				Outputs:      fb.Outputs,
				InternalDeps: fb.InternalDeps,
			})
		}
		sys.Nodes = append(sys.Nodes, n)
	}

	for _, c := range fc.Connection {
		fromNode, fromPort, err := splitRef(c.From)
		if err != nil {
			return nil, err
		}
		toNode, toPort, err := splitRef(c.To)
		if err != nil {
			return nil, err
		}
		sys.Connections = append(sys.Connections, sim.Connection{
			FromNode: fromNode, FromPort: fromPort,
			ToNode: toNode, ToPort: toPort,
		})
	}

	return sys, nil
}

func parseDir(s string) (sim.Direction, error) {
	switch strings.ToLower(s) {
	case "input", "in":
		return sim.Input, nil
	case "output", "out":
		return sim.Output, nil
	case "data":
		return sim.Data, nil
	}
	return 0, fmt.Errorf("unknown port direction %q", s)
}

func splitRef(ref string) (string, string, error) {
	node, port, ok := strings.Cut(ref, ".")
	if !ok || node == "" || port == "" {
		return "", "", fmt.Errorf("connection reference %q is not node.port", ref)
	}
	return node, port, nil
}
