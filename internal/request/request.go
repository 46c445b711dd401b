package request

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"sort"
	"strings"
)

// FileRequirement states whether a declared result file must be produced by
// the provider or is delivered only if it exists.
type FileRequirement int

const (
	Required FileRequirement = iota
	Optional
)

func (r FileRequirement) String() string {
	if r == Optional {
		return "optional"
	}
	return "required"
}

// Request describes one remote computation. The config payload is opaque to
// this package; it is only serialized. Equal requests under canonical
// serialization are the same job, so resending one always yields the same
// results. A non-empty GUID makes an otherwise identical request distinct,
// forcing recalculation.
type Request struct {
	Provider      string
	Config        any
	GUID          string
	RequiredFiles map[string]FileRequirement
	InputFiles    map[string][]byte
}

// RequiredFileNames returns the declared result file names in sorted order.
func (r Request) RequiredFileNames() []string {
	names := make([]string, 0, len(r.RequiredFiles))
	for name := range r.RequiredFiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Fingerprint derives the stable identity of a request: the sha256 hex digest
// of its canonical serialization. The required-result-files list is part of
// the hashed input, so two requests differing only in which outputs they need
// are distinct jobs. Returns a SerializationError if the config payload
// contains a value without a canonical encoding.
func Fingerprint(r Request) (string, error) {
	required := make([]any, 0, len(r.RequiredFiles))
	for _, name := range r.RequiredFileNames() {
		required = append(required, name+":"+r.RequiredFiles[name].String())
	}
	inputs := make(map[string]any, len(r.InputFiles))
	for name, content := range r.InputFiles {
		inputs[name] = base64.StdEncoding.EncodeToString(content)
	}
	doc := map[string]any{
		"provider":       strings.TrimSpace(r.Provider),
		"config":         r.Config,
		"guid":           r.GUID,
		"required_files": required,
		"input_files":    inputs,
	}
	raw, err := CanonicalJSON(doc)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
