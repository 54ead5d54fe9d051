package drover

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// File extensions recognised by LoadSuite.
const (
	ScriptExt = ".dvr"
	SuiteExt  = ".suite.yaml"
)

// ParamSpec points a suite or case at a parameter table.
type ParamSpec struct {
	// File is a parameter table path, relative to the suite file.
	File string `yaml:"file,omitempty"`

	// Rows is an inline table, used when File is empty.
	Rows []map[string]any `yaml:"rows,omitempty"`

	// Mode is "sequential" (default) or "random".
	Mode string `yaml:"mode,omitempty"`

	// Partition splits rows across lanes instead of giving each lane a copy.
	Partition bool `yaml:"partition,omitempty"`
}

// Suite is an ordered collection of cases plus iteration and parallelism
// settings. It is read-only once execution starts.
type Suite struct {
	Name string `yaml:"name"`

	// Iterations is how many times the whole suite runs. Defaults to 1.
	Iterations int `yaml:"iterations,omitempty"`

	// CaseIterations overrides every case's iteration count when positive.
	CaseIterations int `yaml:"caseIterations,omitempty"`

	Parallel        int           `yaml:"parallel,omitempty"`
	RampUp          time.Duration `yaml:"rampUp,omitempty"`
	Delay           time.Duration `yaml:"delay,omitempty"`
	ContinueOnError bool          `yaml:"continueOnError,omitempty"`

	Params       *ParamSpec              `yaml:"params,omitempty"`
	Capabilities []Capabilities          `yaml:"capabilities,omitempty"`
	Env          map[string]string       `yaml:"env,omitempty"`
	Modules      map[string]ModuleConfig `yaml:"modules,omitempty"`

	Cases []*Case `yaml:"cases"`

	// Path is the file the suite was loaded from.
	Path string `yaml:"-"`
}

// Case is one script plus its iteration settings.
type Case struct {
	Name string `yaml:"name"`

	// Script is a path to a .dvr file, relative to the suite file.
	Script string `yaml:"script,omitempty"`

	// Source is inline script text, used when Script is empty.
	Source string `yaml:"source,omitempty"`

	// Iterations defaults to 1, or to the row count of the case's
	// parameter table when left at zero and a table is configured.
	Iterations int `yaml:"iterations,omitempty"`

	Params          *ParamSpec `yaml:"params,omitempty"`
	Breakpoints     []int      `yaml:"breakpoints,omitempty"`
	ContinueOnError *bool      `yaml:"continueOnError,omitempty"`
}

// Dir is the directory relative paths in the suite resolve against.
func (s *Suite) Dir() string {
	if s.Path == "" {
		return "."
	}

	return filepath.Dir(s.Path)
}

// Resolve turns a suite-relative path into one usable from the process cwd.
func (s *Suite) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}

	return filepath.Join(s.Dir(), path)
}

// IterationCount returns the number of iterations case c runs per suite
// iteration. rows is the row count of the case's own parameter table, or
// zero when it has none.
func (s *Suite) IterationCount(c *Case, rows int) int {
	if s.CaseIterations > 0 {
		return s.CaseIterations
	}

	if c.Iterations > 0 {
		return c.Iterations
	}

	if c.Params != nil && rows > 0 {
		return rows
	}

	return 1
}

// ContinueOnErrorFor reports whether fatal step failures in c are recorded
// without aborting the iteration.
func (s *Suite) ContinueOnErrorFor(c *Case) bool {
	if c.ContinueOnError != nil {
		return *c.ContinueOnError
	}

	return s.ContinueOnError
}

// ReadScript returns the display file name and source text of c.
func (s *Suite) ReadScript(c *Case) (string, string, error) {
	if c.Source != "" {
		return c.Name + ScriptExt, c.Source, nil
	}

	if c.Script == "" {
		return "", "", fmt.Errorf("%w: %s", ErrNoScript, c.Name)
	}

	path := s.Resolve(c.Script)

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return "", "", err
	}

	return path, string(data), nil
}

// Validate fills defaults and checks the suite is runnable.
func (s *Suite) Validate() error {
	if s.Name == "" {
		s.Name = suiteNameFromPath(s.Path)
	}

	if s.Iterations == 0 {
		s.Iterations = 1
	}

	if s.Iterations < 0 || s.CaseIterations < 0 || s.Parallel < 0 || s.RampUp < 0 || s.Delay < 0 {
		return fmt.Errorf("%w: %s: counts and durations must not be negative", ErrInvalidSuite, s.Name)
	}

	if len(s.Cases) == 0 {
		return fmt.Errorf("%w: %s: no cases", ErrInvalidSuite, s.Name)
	}

	for i, c := range s.Cases {
		if c == nil {
			return fmt.Errorf("%w: %s: case %d is empty", ErrInvalidSuite, s.Name, i+1)
		}

		if c.Name == "" {
			c.Name = strings.TrimSuffix(filepath.Base(c.Script), ScriptExt)
		}

		if c.Script == "" && c.Source == "" {
			return fmt.Errorf("%w: %s", ErrNoScript, c.Name)
		}

		if c.Iterations < 0 {
			return fmt.Errorf("%w: %s: case %s has negative iterations", ErrInvalidSuite, s.Name, c.Name)
		}
	}

	return nil
}

// LoadSuite loads a suite file, or wraps a lone .dvr script in an implicit
// single-case suite.
func LoadSuite(path string) (*Suite, error) {
	if strings.HasSuffix(path, ScriptExt) {
		return ScriptSuite(path)
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}

	var s Suite

	err = yaml.Unmarshal(data, &s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidSuite, path, err)
	}

	s.Path = path

	err = s.Validate()
	if err != nil {
		return nil, err
	}

	return &s, nil
}

// ScriptSuite builds the implicit suite for a single script file.
func ScriptSuite(path string) (*Suite, error) {
	name := strings.TrimSuffix(filepath.Base(path), ScriptExt)

	s := &Suite{
		Name:  name,
		Path:  path,
		Cases: []*Case{{Name: name, Script: filepath.Base(path)}},
	}

	return s, s.Validate()
}

// IsSuiteFile reports whether path names something LoadSuite understands.
func IsSuiteFile(path string) bool {
	return strings.HasSuffix(path, ScriptExt) || strings.HasSuffix(path, SuiteExt) ||
		strings.HasSuffix(path, ".suite.yml")
}

func suiteNameFromPath(path string) string {
	base := filepath.Base(path)
	for _, ext := range []string{SuiteExt, ".suite.yml", ".yaml", ".yml"} {
		if strings.HasSuffix(base, ext) {
			return strings.TrimSuffix(base, ext)
		}
	}

	return base
}
