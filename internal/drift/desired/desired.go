// Package desired loads the declared state of infrastructure from IaC
// sources: terraform modules, kubernetes manifests and helm release
// declarations. The drift detector compares what these loaders return
// against the live state reported by the tool services.
package desired

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nimbusops/nimbus/internal/errors"
)

// SourceKind identifies which tool service owns a resource's live
// state.
type SourceKind string

const (
	SourceTerraform  SourceKind = "terraform"
	SourceKubernetes SourceKind = "kubernetes"
	SourceHelm       SourceKind = "helm"
)

// Resource is one declared resource. Attributes hold only the values
// the source actually declares; server-populated fields never appear
// here.
type Resource struct {
	Source     SourceKind             `json:"source"`
	Address    string                 `json:"address"`
	Type       string                 `json:"type"`
	Name       string                 `json:"name"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Load reads every IaC file under path and returns the declared
// resources sorted by address. A file path loads just that file; a
// directory is walked, skipping dot directories. Paths with no
// recognizable IaC content are a bad_input error.
func Load(path string) ([]Resource, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindBadInput, "desired state path "+path)
	}

	var files []string
	if info.IsDir() {
		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if name := d.Name(); p != path && (strings.HasPrefix(name, ".") || name == "node_modules" || name == "vendor") {
					return filepath.SkipDir
				}
				return nil
			}
			if iacFile(p) {
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "walking desired state path "+path)
		}
	} else if iacFile(path) {
		files = []string{path}
	}

	if len(files) == 0 {
		return nil, errors.BadInput("no terraform or kubernetes sources under " + path)
	}
	sort.Strings(files)

	var resources []Resource
	for _, file := range files {
		var loaded []Resource
		switch {
		case strings.HasSuffix(file, ".tf"):
			loaded, err = loadTerraformFile(file)
		default:
			loaded, err = loadManifestFile(file)
		}
		if err != nil {
			return nil, err
		}
		resources = append(resources, loaded...)
	}

	sort.Slice(resources, func(i, j int) bool { return resources[i].Address < resources[j].Address })
	return resources, nil
}

func iacFile(path string) bool {
	switch filepath.Ext(path) {
	case ".tf", ".yaml", ".yml":
		return true
	}
	return false
}
