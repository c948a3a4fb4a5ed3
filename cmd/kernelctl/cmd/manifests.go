package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/GoCodeAlone/kernel"
)

// loadManifestDir parses every manifest file in dir. Parse failures are
// reported per file; a directory with no manifests is an error.
func loadManifestDir(dir string) ([]*kernel.ModuleManifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest directory: %w", err)
	}

	var (
		manifests []*kernel.ModuleManifest
		failures  []error
	)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		format, ok := kernel.FormatForPath(path)
		if !ok {
			continue
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", entry.Name(), err))
			continue
		}
		manifest, err := kernel.ParseManifest(raw, format)
		if err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", entry.Name(), err))
			continue
		}
		manifests = append(manifests, manifest)
	}

	if err := errors.Join(failures...); err != nil {
		return manifests, err
	}
	if len(manifests) == 0 {
		return nil, fmt.Errorf("no manifest files found in %s", dir)
	}
	return manifests, nil
}
