package validation

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"github.com/traefik/yaegi/interp"
)

// scratchPath confines name to the scratch directory: the cleaned path
// is re-rooted at dir, so traversal components cannot escape it.
func scratchPath(dir, name string) string {
	return filepath.Join(dir, filepath.Clean("/"+name))
}

// scratchSymbols exposes the per-run scratch directory to interpreted
// code as the importable capsmith/scratch package. It is the only
// filesystem surface a candidate gets; every path is resolved inside
// the directory, which is destroyed when the run ends.
func scratchSymbols(dir string) interp.Exports {
	writeFile := func(name, data string) error {
		if err := os.WriteFile(scratchPath(dir, name), []byte(data), 0600); err != nil {
			return fmt.Errorf("scratch write %s: %w", name, err)
		}
		return nil
	}
	readFile := func(name string) (string, error) {
		b, err := os.ReadFile(scratchPath(dir, name))
		if err != nil {
			return "", fmt.Errorf("scratch read %s: %w", name, err)
		}
		return string(b), nil
	}
	list := func() ([]string, error) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		return names, nil
	}
	return interp.Exports{
		"capsmith/scratch/scratch": {
			"Dir":       reflect.ValueOf(func() string { return dir }),
			"WriteFile": reflect.ValueOf(writeFile),
			"ReadFile":  reflect.ValueOf(readFile),
			"List":      reflect.ValueOf(list),
		},
	}
}
