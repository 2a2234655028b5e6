package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aristath/taskengine/internal/scheduler"
)

// TaskSpec is one task of a graph file.
type TaskSpec struct {
	ID          string   `yaml:"id"`
	Description string   `yaml:"description"`
	DependsOn   []string `yaml:"depends_on,omitempty"`
	Complexity  string   `yaml:"complexity,omitempty"` // Default simple
	Category    string   `yaml:"category,omitempty"`   // Default generic
	Service     string   `yaml:"service,omitempty"`
	FailureMode string   `yaml:"failure_mode,omitempty"` // hard (default) or soft
}

// GraphFile is the on-disk form of a task graph:
//
//	tasks:
//	  - id: schema
//	    description: Design the orders table
//	    complexity: medium
//	    category: database
//	  - id: api
//	    description: Implement the orders endpoint
//	    depends_on: [schema]
type GraphFile struct {
	Tasks []TaskSpec `yaml:"tasks"`
}

// LoadGraph reads a task graph from a YAML file. Structural checks (cycles,
// unknown dependencies) are left to the engine.
func LoadGraph(path string) ([]*scheduler.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading graph %s: %w", path, err)
	}

	tasks, err := ParseGraph(data)
	if err != nil {
		return nil, fmt.Errorf("parsing graph %s: %w", path, err)
	}
	return tasks, nil
}

// ParseGraph decodes a YAML task graph.
func ParseGraph(data []byte) ([]*scheduler.Task, error) {
	var gf GraphFile
	if err := yaml.Unmarshal(data, &gf); err != nil {
		return nil, err
	}

	var errs []error
	tasks := make([]*scheduler.Task, 0, len(gf.Tasks))
	for i, spec := range gf.Tasks {
		task, err := spec.toTask()
		if err != nil {
			errs = append(errs, fmt.Errorf("task %d (%q): %w", i, spec.ID, err))
			continue
		}
		tasks = append(tasks, task)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s TaskSpec) toTask() (*scheduler.Task, error) {
	if strings.TrimSpace(s.ID) == "" {
		return nil, errors.New("id is required")
	}

	complexity := scheduler.ComplexitySimple
	if s.Complexity != "" {
		var err error
		if complexity, err = scheduler.ParseComplexity(s.Complexity); err != nil {
			return nil, err
		}
	}

	var mode scheduler.FailureMode
	switch strings.ToLower(strings.TrimSpace(s.FailureMode)) {
	case "", "hard":
		mode = scheduler.FailHard
	case "soft":
		mode = scheduler.FailSoft
	default:
		return nil, fmt.Errorf("unknown failure mode %q", s.FailureMode)
	}

	return &scheduler.Task{
		ID:          s.ID,
		Description: s.Description,
		DependsOn:   s.DependsOn,
		Complexity:  complexity,
		Category:    scheduler.NormalizeCategory(s.Category),
		Service:     s.Service,
		FailureMode: mode,
	}, nil
}
