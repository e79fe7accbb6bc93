// Package evalconf loads YAML-described fixtures exercising the top-level
// evaluator's compile-vs-interpret decision. It walks a directory of YAML
// test suites and unmarshals them with gopkg.in/yaml.v3; the YAML shape
// describes a thunk's five decision booleans and the module/process
// compile settings in effect for each case.
package evalconf

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Fixture describes one thunk's shape for the compile-vs-interpret
// decision table in spec §4.F.
type Fixture struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`

	HasCCall      bool `yaml:"has_ccall,omitempty"`
	HasDefs       bool `yaml:"has_defs,omitempty"`
	HasLoops      bool `yaml:"has_loops,omitempty"`
	HasOpaque     bool `yaml:"has_opaque,omitempty"`
	ForcedCompile bool `yaml:"forced_compile,omitempty"`
	Fast          bool `yaml:"fast,omitempty"`

	ProcessCompileDisabled bool `yaml:"process_compile_disabled,omitempty"`
	ModuleCompileDisabled  bool `yaml:"module_compile_disabled,omitempty"`

	ExpectCompile bool `yaml:"expect_compile"`
}

// FixtureSet is one YAML file's worth of fixtures.
type FixtureSet struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description,omitempty"`
	Fixtures    []Fixture `yaml:"fixtures"`
}

// LoadFile parses a single YAML fixture file.
func LoadFile(path string) (*FixtureSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("evalconf: read %s: %w", path, err)
	}
	var set FixtureSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("evalconf: parse %s: %w", path, err)
	}
	return &set, nil
}

// LoadDir walks dir for *.yaml files and returns every fixture found,
// tagging parse failures with the offending file rather than aborting the
// whole load — a single malformed suite is skipped and its error is
// returned in the error slice instead of failing the entire directory.
// Nothing is logged.
func LoadDir(dir string) ([]Fixture, []error) {
	var fixtures []Fixture
	var errs []error

	_ = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		if info.IsDir() || filepath.Ext(path) != ".yaml" {
			return nil
		}
		set, err := LoadFile(path)
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		fixtures = append(fixtures, set.Fixtures...)
		return nil
	})

	return fixtures, errs
}
