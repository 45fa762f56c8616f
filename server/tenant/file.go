package tenant

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zaman-cal/seriesd/server/auth"
)

// File is the on-disk tenant registry:
//
//	tenants:
//	  - id: t1
//	    name: North campus
//	actors:
//	  - id: alice
//	    privilege: approver
//	    tenants: [t1]
type File struct {
	Tenants []FileTenant `yaml:"tenants"`
	Actors  []FileActor  `yaml:"actors"`
}

type FileTenant struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

type FileActor struct {
	ID        string   `yaml:"id"`
	Privilege string   `yaml:"privilege"`
	Tenants   []string `yaml:"tenants"`
}

// LoadFile reads and validates a tenant registry file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tenants file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a tenant registry document.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse tenants file: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks ids are present and unique and actors reference known tenants.
func (f *File) Validate() error {
	known := make(map[string]bool, len(f.Tenants))
	for i, t := range f.Tenants {
		id := strings.TrimSpace(t.ID)
		if id == "" {
			return fmt.Errorf("tenants[%d]: id is required", i)
		}
		if known[id] {
			return fmt.Errorf("tenants[%d]: duplicate id %q", i, id)
		}
		known[id] = true
	}

	seen := make(map[string]bool, len(f.Actors))
	for i, a := range f.Actors {
		if strings.TrimSpace(a.ID) == "" {
			return fmt.Errorf("actors[%d]: id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("actors[%d]: duplicate id %q", i, a.ID)
		}
		seen[a.ID] = true
		if _, err := auth.ParsePrivilege(a.Privilege); err != nil {
			return fmt.Errorf("actors[%d]: %w", i, err)
		}
		for _, t := range a.Tenants {
			if !known[t] {
				return fmt.Errorf("actors[%d]: unknown tenant %q", i, t)
			}
		}
	}
	return nil
}

// Directory returns the tenant list as a Directory.
func (f *File) Directory() *Static {
	ids := make([]string, len(f.Tenants))
	for i, t := range f.Tenants {
		ids[i] = strings.TrimSpace(t.ID)
	}
	return NewStatic(ids...)
}

// ActorProfiles converts the actor entries. Privileges were checked by Validate.
func (f *File) ActorProfiles() []auth.Actor {
	out := make([]auth.Actor, 0, len(f.Actors))
	for _, a := range f.Actors {
		privilege, _ := auth.ParsePrivilege(a.Privilege)
		out = append(out, auth.Actor{
			ID:        a.ID,
			Privilege: privilege,
			TenantIDs: append([]string(nil), a.Tenants...),
		})
	}
	return out
}
