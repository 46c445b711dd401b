package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"utspclient/internal/request"
)

// requestFile is the YAML schema of one request definition.
//
//	provider: loadprofilegenerator
//	config:
//	  household: CHR01
//	  resolution: 15m
//	required_files:
//	  - name: Results/Sum.csv
//	  - name: Results/Overview.txt
//	    optional: true
//	input_files:
//	  calcspec.json: ./inputs/calcspec.json
type requestFile struct {
	Provider      string             `yaml:"provider"`
	Config        any                `yaml:"config"`
	GUID          string             `yaml:"guid"`
	RequiredFiles []requiredFileSpec `yaml:"required_files"`
	InputFiles    map[string]string  `yaml:"input_files"`
}

type requiredFileSpec struct {
	Name     string `yaml:"name"`
	Optional bool   `yaml:"optional"`
}

// UnmarshalYAML accepts either a plain file name or a {name, optional} pair.
func (r *requiredFileSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&r.Name)
	}
	type plain requiredFileSpec
	return node.Decode((*plain)(r))
}

// loadRequest reads a request definition. Input file paths are resolved
// relative to the definition file and their contents inlined.
func loadRequest(path string) (request.Request, error) {
	var req request.Request
	raw, err := os.ReadFile(path)
	if err != nil {
		return req, err
	}
	var file requestFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return req, fmt.Errorf("%s: %w", path, err)
	}
	if strings.TrimSpace(file.Provider) == "" {
		return req, fmt.Errorf("%s: provider is required", path)
	}
	req.Provider = strings.TrimSpace(file.Provider)
	req.Config = file.Config
	req.GUID = strings.TrimSpace(file.GUID)

	if len(file.RequiredFiles) > 0 {
		req.RequiredFiles = make(map[string]request.FileRequirement, len(file.RequiredFiles))
		for _, spec := range file.RequiredFiles {
			name := strings.TrimSpace(spec.Name)
			if name == "" {
				return req, fmt.Errorf("%s: required file with empty name", path)
			}
			requirement := request.Required
			if spec.Optional {
				requirement = request.Optional
			}
			req.RequiredFiles[name] = requirement
		}
	}

	if len(file.InputFiles) > 0 {
		base := filepath.Dir(path)
		req.InputFiles = make(map[string][]byte, len(file.InputFiles))
		for name, src := range file.InputFiles {
			if !filepath.IsAbs(src) {
				src = filepath.Join(base, src)
			}
			content, err := os.ReadFile(src)
			if err != nil {
				return req, fmt.Errorf("%s: input file %s: %w", path, name, err)
			}
			req.InputFiles[name] = content
		}
	}
	return req, nil
}
