// Package catalog loads the seed resource catalog from a YAML file.
//
//	resources:
//	  - id: lab-1
//	    name: Chemistry lab
//	    capacity: 24
//	    type: shared        # shared | exclusive
//	    status: online      # online | offline | maintenance
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"

	"resource-allocator/allocator"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type File struct {
	Resources []Entry `yaml:"resources"`
}

type Entry struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Capacity int    `yaml:"capacity"`
	Type     string `yaml:"type"`
	Status   string `yaml:"status"`
}

// Load reads and validates the catalog at path.
func Load(path string) ([]allocator.Resource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var file File
	if err := yaml.NewDecoder(f).Decode(&file); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return file.resources()
}

func (f File) resources() ([]allocator.Resource, error) {
	seen := make(map[string]bool, len(f.Resources))
	out := make([]allocator.Resource, 0, len(f.Resources))
	for i, e := range f.Resources {
		r, err := e.resource()
		if err != nil {
			return nil, fmt.Errorf("resources[%d]: %w", i, err)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("resources[%d]: duplicate id %q", i, r.ID)
		}
		seen[r.ID] = true
		out = append(out, r)
	}
	return out, nil
}

func (e Entry) resource() (allocator.Resource, error) {
	if e.ID == "" {
		return allocator.Resource{}, errors.New("id is required")
	}
	if e.Capacity <= 0 {
		return allocator.Resource{}, fmt.Errorf("capacity must be positive, got %d", e.Capacity)
	}
	r := allocator.Resource{ID: e.ID, Name: e.Name, Capacity: e.Capacity}
	if r.Name == "" {
		r.Name = e.ID
	}
	var err error
	if e.Type != "" {
		if r.Type, err = allocator.ParseResourceType(e.Type); err != nil {
			return allocator.Resource{}, err
		}
	}
	if e.Status != "" {
		if r.Status, err = allocator.ParseResourceStatus(e.Status); err != nil {
			return allocator.Resource{}, err
		}
	}
	return r, nil
}

// Seed registers every catalog resource the scheduler does not know yet. Resources
// restored from the store keep their persisted definition.
func Seed(ctx context.Context, s *allocator.Scheduler, resources []allocator.Resource) (int, error) {
	added := 0
	for _, r := range resources {
		_, err := s.CreateResource(ctx, r)
		if errors.Is(err, allocator.ErrConflict) {
			continue
		}
		if err != nil {
			return added, fmt.Errorf("seed %s: %w", r.ID, err)
		}
		added++
	}
	log.Info().Int("added", added).Int("catalog", len(resources)).Msg("catalog: seeded resources")
	return added, nil
}
