package runconfig

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Loader merges configuration sources. Base holds variables visible to
// every source for ${VAR} references (data root, checkpoint root, ...).
type Loader struct {
	Base map[string]string
}

func NewLoader(base map[string]string) *Loader {
	b := make(map[string]string, len(base))
	for k, v := range base {
		b[k] = v
	}
	return &Loader{Base: b}
}

// Load reads sources in order. A parameter set by a later source replaces
// the value of an earlier one. No field is required at this stage; call
// Validate on the result to reject incomplete configurations.
func (l *Loader) Load(sources ...string) (*RunConfig, error) {
	merged := make(map[string]string, len(l.Base))
	for k, v := range l.Base {
		merged[k] = v
	}

	var used []string
	for _, source := range sources {
		if strings.TrimSpace(source) == "" {
			continue
		}

		if DebugLog != nil {
			DebugLog("loading run config from %s", source)
		}

		params, err := l.readSource(source, merged)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", source, err)
		}

		for k, v := range params {
			if DebugLog != nil {
				if prev, ok := merged[k]; ok && prev != v {
					DebugLog("%s overrides %s (%q -> %q)", source, k, prev, v)
				}
			}
			merged[k] = v
		}
		used = append(used, source)
	}

	rc := fromParams(merged)
	rc.Sources = used
	return rc, nil
}

func (l *Loader) readSource(path string, merged map[string]string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return parseYAML(data, merged)
	default:
		return parseShell(data, merged)
	}
}

// parseShell reads KEY=value assignments. Earlier parameters are written
// ahead of the file as single-quoted assignments so godotenv can resolve
// ${VAR} references to them.
func parseShell(data []byte, merged map[string]string) (map[string]string, error) {
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var prelude bytes.Buffer
	seeded := make(map[string]string, len(keys))
	for _, k := range keys {
		v := strings.NewReplacer("\r\n", " ", "\n", " ").Replace(merged[k])
		// godotenv reads \' as an escaped quote
		if strings.Contains(v, "'") || strings.HasSuffix(v, `\`) {
			continue
		}
		seeded[k] = v
		fmt.Fprintf(&prelude, "%s='%s'\n", k, v)
	}

	params, err := godotenv.Parse(io.MultiReader(&prelude, strings.NewReader("\n"), bytes.NewReader(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse shell config: %w", err)
	}

	// keep only what the file itself assigned
	for k, v := range seeded {
		if params[k] == v {
			delete(params, k)
		}
	}
	return params, nil
}

func parseYAML(data []byte, merged map[string]string) (map[string]string, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse yaml config: %w", err)
	}

	params := make(map[string]string)
	if len(doc.Content) == 0 {
		return params, nil
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("yaml config must be a mapping, got line %d", root.Line)
	}

	lookup := func(name string) string {
		if v, ok := params[name]; ok {
			return v
		}
		return merged[name]
	}

	for i := 0; i+1 < len(root.Content); i += 2 {
		keyNode, valueNode := root.Content[i], root.Content[i+1]
		key := strings.ToUpper(strings.TrimSpace(keyNode.Value))

		var value string
		switch valueNode.Kind {
		case yaml.ScalarNode:
			if valueNode.Tag != "!!null" {
				value = valueNode.Value
			}
		case yaml.SequenceNode:
			parts := make([]string, 0, len(valueNode.Content))
			for _, item := range valueNode.Content {
				if item.Kind != yaml.ScalarNode {
					return nil, fmt.Errorf("%s: line %d: list items must be scalars", key, item.Line)
				}
				parts = append(parts, item.Value)
			}
			value = strings.Join(parts, " ")
		default:
			return nil, fmt.Errorf("%s: line %d: nested mappings are not supported", key, valueNode.Line)
		}

		params[key] = os.Expand(value, lookup)
	}

	return params, nil
}
