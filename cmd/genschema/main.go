// Command genschema generates the JSON Schema for anthill's config.toml
// from the Go config structs. Run from the repository root:
//
//	go run ./cmd/genschema
//
// Output:
//
//	docs/schema/config-schema.json
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/invopop/jsonschema"

	"github.com/anthill/anthill/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "genschema: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if _, err := os.Stat("go.mod"); err != nil {
		return fmt.Errorf("must run from repository root (go.mod not found)")
	}
	if err := os.MkdirAll("docs/schema", 0o755); err != nil {
		return fmt.Errorf("creating docs/schema: %w", err)
	}

	// Property names follow the TOML keys; constraints and descriptions
	// come from the jsonschema struct tags on config.Config.
	r := &jsonschema.Reflector{FieldNameTag: "toml"}
	s := r.Reflect(&config.Config{})
	s.Title = "anthill configuration"
	s.Description = "Schema for config.toml, the anthill daemon configuration file."

	if err := writeSchema("docs/schema/config-schema.json", s); err != nil {
		return err
	}
	fmt.Println("Generated docs/schema/config-schema.json")
	return nil
}

// writeSchema writes the schema atomically (temp + rename) so a failed run
// never leaves a truncated file behind.
func writeSchema(path string, s *jsonschema.Schema) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", path, err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), ".genschema-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("renaming %s: %w", path, err)
	}
	return nil
}
