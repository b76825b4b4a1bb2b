package bundle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ImportMap is the "imports" section of an import map or deno.json file.
// Scopes are not supported.
type ImportMap struct {
	// Dir is the directory relative targets resolve against.
	Dir     string
	Imports map[string]string
}

// LoadImportMap reads path. Both plain import maps and deno.json files
// with an "imports" field are accepted.
func LoadImportMap(path string) (*ImportMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading import map: %w", err)
	}
	var doc struct {
		Imports map[string]string `json:"imports"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing import map %s: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return &ImportMap{Dir: filepath.Dir(abs), Imports: doc.Imports}, nil
}

// Resolve maps specifier through the import map. An exact key wins over
// prefix keys ending in "/"; among prefixes the longest wins. Relative
// targets are made absolute against Dir. ok is false when nothing matched.
func (m *ImportMap) Resolve(specifier string) (target string, ok bool) {
	if m == nil {
		return "", false
	}
	if t, found := m.Imports[specifier]; found {
		return m.abs(t), true
	}
	var prefixes []string
	for k := range m.Imports {
		if strings.HasSuffix(k, "/") && strings.HasPrefix(specifier, k) {
			prefixes = append(prefixes, k)
		}
	}
	if len(prefixes) == 0 {
		return "", false
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	k := prefixes[0]
	return m.abs(m.Imports[k] + strings.TrimPrefix(specifier, k)), true
}

func (m *ImportMap) abs(target string) string {
	if isRemote(target) || filepath.IsAbs(target) {
		return target
	}
	if strings.HasPrefix(target, "./") || strings.HasPrefix(target, "../") {
		return filepath.Join(m.Dir, filepath.FromSlash(target))
	}
	return target
}

func isRemote(s string) bool {
	return strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "http://")
}
