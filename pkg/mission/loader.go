package mission

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// CurrentSchemaVersion is stamped on missions that declare none.
const CurrentSchemaVersion = "1.0.0"

// SupportedSchemaVersions is the schema_version range this runner accepts.
const SupportedSchemaVersions = ">=1.0.0, <2.0.0"

const schemaURL = "https://nightorder.dev/schemas/mission.schema.json"

//go:embed mission.schema.json
var schemaText string

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func missionSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, strings.NewReader(schemaText)); err != nil {
			schemaErr = fmt.Errorf("add mission schema: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(schemaURL)
	})
	return compiledSchema, schemaErr
}

// Load reads and parses a mission file.
func Load(path string) (*Mission, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mission %s: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("mission %s: %w", path, err)
	}
	return m, nil
}

// Parse validates data against the mission schema, checks schema_version and
// fills defaults.
func Parse(data []byte) (*Mission, error) {
	schema, err := missionSchema()
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode mission: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("mission schema: %w", err)
	}

	var m Mission
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode mission: %w", err)
	}
	if m.SchemaVersion == "" {
		m.SchemaVersion = CurrentSchemaVersion
	}
	if err := checkSchemaVersion(m.SchemaVersion); err != nil {
		return nil, err
	}
	if m.Kind == "" {
		m.Kind = DefaultKind
	}
	seen := make(map[string]bool, len(m.Steps))
	for _, s := range m.Steps {
		if seen[s.ID] {
			return nil, fmt.Errorf("duplicate step id %q", s.ID)
		}
		seen[s.ID] = true
	}
	return &m, nil
}

func checkSchemaVersion(v string) error {
	ver, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("invalid schema_version %q: %w", v, err)
	}
	c, err := semver.NewConstraint(SupportedSchemaVersions)
	if err != nil {
		return err
	}
	if !c.Check(ver) {
		return fmt.Errorf("unsupported schema_version %s (want %s)", v, SupportedSchemaVersions)
	}
	return nil
}
