// Package definition loads YAML entity definitions, validates them against
// the control registries and the aiBridge OpenAPI document, and serves them
// from a registry with atomic pointer swap.
package definition

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/aiconsole/model"
)

// Loader reads entity definitions from YAML files. A file may hold several
// definitions separated by "---".
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll walks dirs and loads every .yaml and .yml file beneath them.
// Files are visited in lexical order, dirs in the order given.
func (l *Loader) LoadAll(dirs []string) ([]model.EntityDefinition, error) {
	var defs []model.EntityDefinition
	for _, dir := range dirs {
		walk := func(path string, d fs.DirEntry, err error) error {
			switch {
			case err != nil:
				return err
			case d.IsDir() || !isYAML(path):
				return nil
			}
			loaded, err := l.LoadFile(path)
			defs = append(defs, loaded...)
			return err
		}
		if err := filepath.WalkDir(dir, walk); err != nil {
			return nil, fmt.Errorf("definition: load %s: %w", dir, err)
		}
	}
	return defs, nil
}

// LoadFile parses every document of the YAML file at path. Each definition
// is stamped with the checksum of its own document, so editing one entity
// in a shared file leaves the others' checksums alone.
func (l *Loader) LoadFile(path string) ([]model.EntityDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	var defs []model.EntityDefinition
	for doc := 0; ; doc++ {
		var node yaml.Node
		if err := dec.Decode(&node); errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if len(node.Content) == 0 {
			continue
		}

		var def model.EntityDefinition
		if err := node.Decode(&def); err != nil {
			return nil, fmt.Errorf("%s (document %d): %w", path, doc+1, err)
		}
		raw, err := yaml.Marshal(&node)
		if err != nil {
			return nil, fmt.Errorf("%s (document %d): %w", path, doc+1, err)
		}
		sum := sha256.Sum256(raw)
		def.Checksum = hex.EncodeToString(sum[:])
		def.SourceFile = path
		if doc > 0 {
			def.SourceFile = fmt.Sprintf("%s#%d", path, doc+1)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func isYAML(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
