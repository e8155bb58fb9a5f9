package schema

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

type schemaFile struct {
	Tables []TableDef `yaml:"tables"`
}

// Parse builds a registry from a YAML schema document of the form
//
//	tables:
//	  - name: artist
//	    kind: dimension
//	    primary_key: artist_id
//	    columns: ["artist_spotify_uri:VARCHAR", "name:VARCHAR"]
//	    natural_key: [artist_spotify_uri]
func Parse(data []byte) (*Registry, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f schemaFile
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("schema document is empty")
		}
		return nil, fmt.Errorf("failed to decode schema: %w", err)
	}

	tables := make([]*Table, 0, len(f.Tables))
	for _, def := range f.Tables {
		t, err := NewTable(def)
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return NewRegistry(tables...)
}

// LoadFile reads and parses a YAML schema file.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("schema file %s: %w", path, err)
	}
	return r, nil
}
