// Package ctxdoc implements the Context Document described in spec.md §4.3:
// a single JSON file in the sandbox filesystem that accumulates findings
// across the reproducing, fixing, and shipping phases.
package ctxdoc

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// Filename is the context document's name at the sandbox repo root
// (spec.md §6).
const Filename = "panic_context.json"

// ErrNotFound is returned by Read when the file does not exist, and by
// Merge when it is asked to merge onto a file that is not there yet
// (spec.md §4.3: merge refuses to create on absence).
var ErrNotFound = errors.New("context document not found")

// ErrParse is returned by Read when the file exists but is not valid JSON.
var ErrParse = errors.New("context document is corrupt")

// Read loads and decodes the context document at path. It distinguishes
// absence (ErrNotFound) from corruption (ErrParse wrapping the decode
// error).
func Read(path string) (map[string]any, error) {
	b, err := os.ReadFile(path) //nolint:gosec // path is the fixed, orchestrator-controlled sandbox context file.
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read context document: %w", err)
	}
	var data map[string]any
	if err := json.Unmarshal(b, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return data, nil
}

// Write atomically replaces the context document at path with data:
// write to a temp file in the same directory, then rename over the
// destination (spec.md §4.3).
func Write(path string, data map[string]any) error {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal context document: %w", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".panic_context.*.tmp")
	if err != nil {
		return fmt.Errorf("create temp context document: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp context document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp context document: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp context document: %w", err)
	}
	return nil
}

// Merge reads the current document, overlays partial on top (partial wins
// on key collision, everything else is preserved), and writes the result
// back. It returns ErrNotFound without creating the file if the document
// does not yet exist, since the repo_setup-written trio must already be
// present before anything can merge onto it.
func Merge(path string, partial map[string]any) error {
	current, err := Read(path)
	if err != nil {
		return err
	}
	merged := make(map[string]any, len(current)+len(partial))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range partial {
		merged[k] = v
	}
	return Write(path, merged)
}

// Phase identifies which required-field set Validate checks.
type Phase string

// The phases a context document is validated against. Each phase's
// required set is cumulative with the ones before it, per spec.md §3.
const (
	PhaseRepoSetup  Phase = "repo_setup"
	PhaseReproducer Phase = "reproducer"
	PhaseFixer      Phase = "fixer"
	PhaseShip       Phase = "ship"
)

type fieldKind int

const (
	kindString fieldKind = iota
	kindSeed             // non-negative 32-bit integer
)

type fieldSpec struct {
	name string
	kind fieldKind
}

var repoSetupFields = []fieldSpec{
	{"panic_location", kindString},
	{"panic_message", kindString},
	{"tcl_test_file", kindString},
}

var reproducerFields = append(append([]fieldSpec{}, repoSetupFields...), []fieldSpec{
	{"failing_seed", kindSeed},
	{"why_simulator_missed", kindString},
	{"simulator_changes", kindString},
}...)

var fixerFields = append(append([]fieldSpec{}, reproducerFields...), []fieldSpec{
	{"bug_description", kindString},
	{"fix_description", kindString},
}...)

// shipFields: ship requires all of the above (spec.md §3).
var shipFields = fixerFields

func fieldsFor(phase Phase) []fieldSpec {
	switch phase {
	case PhaseRepoSetup:
		return repoSetupFields
	case PhaseReproducer:
		return reproducerFields
	case PhaseFixer:
		return fixerFields
	case PhaseShip:
		return shipFields
	default:
		return nil
	}
}

// Validate checks presence and type of the fields required by phase and
// returns an ordered list of human-readable problems. A nil/empty slice
// means the document is valid for that phase.
func Validate(data map[string]any, phase Phase) []string {
	var errs []string
	for _, f := range fieldsFor(phase) {
		v, ok := data[f.name]
		if !ok {
			errs = append(errs, fmt.Sprintf("Missing required field: %s", f.name))
			continue
		}
		if msg, ok := typeError(f, v); !ok {
			errs = append(errs, msg)
		}
	}
	return errs
}

// typeError checks v against f's expected kind. Returns (message, false)
// when invalid, ("", true) when valid.
func typeError(f fieldSpec, v any) (string, bool) {
	switch f.kind {
	case kindString:
		if _, ok := v.(string); !ok {
			return fmt.Sprintf("Invalid type for %s: expected string, got %s", f.name, jsonTypeName(v)), false
		}
		return "", true
	case kindSeed:
		if !isNonNegativeInt32(v) {
			return fmt.Sprintf("Invalid type for %s: expected non-negative 32-bit integer, got %s", f.name, jsonTypeName(v)), false
		}
		return "", true
	default:
		return "", true
	}
}

// isNonNegativeInt32 reports whether v is a JSON number representing an
// integer in [0, 2^31-1]. Strings, NaN, Infinity, and non-integral floats
// are all rejected (spec.md §8 boundary behaviors).
func isNonNegativeInt32(v any) bool {
	f, ok := v.(float64)
	if !ok {
		return false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return false
	}
	if f != math.Trunc(f) {
		return false
	}
	return f >= 0 && f <= math.MaxInt32
}

// jsonTypeName names the JSON type of v for error messages.
func jsonTypeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
