package directory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/obot-platform/leadqueue/server/internal/model"
	"github.com/obot-platform/leadqueue/server/internal/store"
)

// File is the on-disk directory snapshot.
type File struct {
	Agents []AgentEntry `yaml:"agents"`
	Units  []UnitEntry  `yaml:"units"`
}

// AgentEntry is one agent in the snapshot. Active defaults to true.
type AgentEntry struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Active *bool  `yaml:"active"`
}

// UnitEntry is one unit in the snapshot. Active defaults to true.
type UnitEntry struct {
	ID      string     `yaml:"id"`
	Name    string     `yaml:"name"`
	Active  *bool      `yaml:"active"`
	Members MemberList `yaml:"members"`
}

// MemberList is a unit's agent ids. It accepts a list of ids or a list of
// objects carrying an id (id, agent_id or agentId).
type MemberList []string

// UnmarshalYAML normalizes both member list shapes into ids.
func (m *MemberList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: members must be a list", value.Line)
	}
	ids := make([]string, 0, len(value.Content))
	for _, item := range value.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			ids = append(ids, item.Value)
		case yaml.MappingNode:
			var obj struct {
				ID       string `yaml:"id"`
				AgentID  string `yaml:"agent_id"`
				AgentID2 string `yaml:"agentId"`
			}
			if err := item.Decode(&obj); err != nil {
				return err
			}
			id := firstNonEmpty(obj.ID, obj.AgentID, obj.AgentID2)
			if id == "" {
				return fmt.Errorf("line %d: member has no id", item.Line)
			}
			ids = append(ids, id)
		default:
			return fmt.Errorf("line %d: unsupported member entry", item.Line)
		}
	}
	*m = ids
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// ParseFile reads and validates a snapshot file.
func ParseFile(path string) (*File, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse directory: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("validate directory: %w", err)
	}
	return &f, nil
}

// Validate checks ids are present and unique.
func (f *File) Validate() error {
	agents := make(map[string]bool, len(f.Agents))
	for _, a := range f.Agents {
		if a.ID == "" {
			return errors.New("agent id cannot be empty")
		}
		if agents[a.ID] {
			return fmt.Errorf("duplicate agent id: %s", a.ID)
		}
		agents[a.ID] = true
	}
	units := make(map[string]bool, len(f.Units))
	for _, u := range f.Units {
		if u.ID == "" {
			return errors.New("unit id cannot be empty")
		}
		if units[u.ID] {
			return fmt.Errorf("duplicate unit id: %s", u.ID)
		}
		units[u.ID] = true
		for _, id := range u.Members {
			if id == "" {
				return fmt.Errorf("unit %s has an empty member id", u.ID)
			}
		}
	}
	return nil
}

// Snapshot converts the file into store rows.
func (f *File) Snapshot() store.DirectorySnapshot {
	snap := store.DirectorySnapshot{Members: make(map[string][]string, len(f.Units))}
	for _, a := range f.Agents {
		name := a.Name
		if name == "" {
			name = a.ID
		}
		snap.Agents = append(snap.Agents, model.Agent{ID: a.ID, DisplayName: name, Active: boolOr(a.Active, true)})
	}
	for _, u := range f.Units {
		name := u.Name
		if name == "" {
			name = u.ID
		}
		snap.Units = append(snap.Units, model.Unit{ID: u.ID, Name: name, Active: boolOr(u.Active, true)})
		snap.Members[u.ID] = append([]string(nil), u.Members...)
	}
	return snap
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// LoadFile imports a snapshot file into the directory tables.
func LoadFile(ctx context.Context, s *store.Store, path string) error {
	f, err := ParseFile(path)
	if err != nil {
		return err
	}
	return s.ImportDirectory(ctx, f.Snapshot())
}
