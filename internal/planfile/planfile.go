// Package planfile loads plan definitions from YAML.
//
// A definition names the executors a plan may call and declares the task
// hierarchy as nested "tasks" lists:
//
//	name: release
//	strategy: by-phase
//	deadline: 2h
//	executors:
//	  sh: {type: command, workdir: .}
//	fallbacks:
//	  sh: dry-run
//	root:
//	  id: release
//	  tasks:
//	    - id: build
//	      executor: sh
//	      complexity: 5
//	      params: {command: make build}
//	    - id: publish
//	      depends_on: [build]
//	      steps:
//	        - {name: upload, forward: sh, compensate: sh}
package planfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/loom/internal/executor"
	"github.com/ShayCichocki/loom/internal/orchestrator"
	"github.com/ShayCichocki/loom/pkg/models"
)

// Executor types a definition can declare.
const (
	TypeCommand = "command"
	TypeStatic  = "static"
)

// ExecutorDef declares one executor.
type ExecutorDef struct {
	Type string `yaml:"type"`
	// WorkDir is the working directory of a command executor.
	WorkDir string `yaml:"workdir"`
	// Output is returned verbatim by a static executor.
	Output string `yaml:"output"`
}

// TaskDef is a task with its declared subtasks.
type TaskDef struct {
	models.Task `yaml:",inline"`
	Tasks       []TaskDef `yaml:"tasks"`
}

// Definition is a parsed plan file.
type Definition struct {
	Name      string                 `yaml:"name"`
	Strategy  string                 `yaml:"strategy"`
	Deadline  time.Duration          `yaml:"deadline"`
	Executors map[string]ExecutorDef `yaml:"executors"`
	Fallbacks map[string]string      `yaml:"fallbacks"`
	Root      TaskDef                `yaml:"root"`
}

// Load reads and parses the definition at path.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// Parse parses a definition and checks its structure.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse plan file: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks what the engine cannot: unique IDs and known executor
// types. Hierarchy rules are left to the decomposer.
func (d *Definition) Validate() error {
	if d.Root.ID == "" {
		return errors.New("plan file has no root task")
	}
	for name, ex := range d.Executors {
		switch ex.Type {
		case TypeCommand, TypeStatic, "":
		default:
			return fmt.Errorf("executor %s: unknown type %q", name, ex.Type)
		}
	}
	seen := make(map[string]bool)
	var walk func(t TaskDef) error
	walk = func(t TaskDef) error {
		if t.ID == "" {
			return errors.New("task with empty id")
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate task id %s", t.ID)
		}
		seen[t.ID] = true
		for _, c := range t.Tasks {
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(d.Root)
}

// Tasks flattens the hierarchy, parents before children.
func (d *Definition) Tasks() []*models.Task {
	var out []*models.Task
	var walk func(t TaskDef, parent string)
	walk = func(t TaskDef, parent string) {
		task := t.Task.Clone()
		task.ParentID = parent
		task.Children = nil
		for _, c := range t.Tasks {
			task.Children = append(task.Children, c.ID)
		}
		out = append(out, task)
		for _, c := range t.Tasks {
			walk(c, task.ID)
		}
	}
	walk(d.Root, "")
	return out
}

// RootID returns the ID of the root task.
func (d *Definition) RootID() string { return d.Root.ID }

// Register adds the declared executors to reg. Executors already present
// are replaced.
func (d *Definition) Register(reg *executor.Registry, baseDir string) {
	names := make([]string, 0, len(d.Executors))
	for name := range d.Executors {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ex := d.Executors[name]
		switch ex.Type {
		case TypeStatic:
			out := []byte(ex.Output)
			reg.Register(name, executor.Func(func(_ context.Context, _ executor.Request) (executor.Result, error) {
				return executor.Result{Output: out}, nil
			}))
		default:
			dir := ex.WorkDir
			if dir == "" {
				dir = baseDir
			}
			reg.Register(name, executor.NewCommandExecutor(dir))
		}
	}
}

// Options returns the engine options the definition implies.
func (d *Definition) Options(now time.Time) []orchestrator.Option {
	var opts []orchestrator.Option
	if d.Strategy != "" {
		opts = append(opts, orchestrator.WithStrategy(d.Strategy))
	}
	if d.Deadline > 0 {
		opts = append(opts, orchestrator.WithDeadline(now.Add(d.Deadline)))
	}
	if len(d.Fallbacks) > 0 {
		opts = append(opts, orchestrator.WithFallbacks(d.Fallbacks))
	}
	return opts
}
