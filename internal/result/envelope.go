// Package result models the named output artifacts produced by a completed
// job.
package result

// File is one named result artifact. It carries either inline content or the
// object-store location the content was offloaded to, never both.
type File struct {
	Name     string `json:"name"`
	Data     []byte `json:"data,omitempty"`
	Location string `json:"location,omitempty"`
}

// Envelope is the immutable result set of one job, keyed by the fingerprint
// of the request that produced it. Files keep the order the server delivered
// them in.
type Envelope struct {
	Fingerprint string `json:"fingerprint"`
	Files       []File `json:"files"`
}

// File returns the artifact with the given name.
func (e Envelope) File(name string) (File, bool) {
	for _, f := range e.Files {
		if f.Name == name {
			return f, true
		}
	}
	return File{}, false
}

// Names lists the artifact names in delivery order.
func (e Envelope) Names() []string {
	names := make([]string, 0, len(e.Files))
	for _, f := range e.Files {
		names = append(names, f.Name)
	}
	return names
}

// Clone returns a deep copy so cached envelopes stay immutable.
func (e Envelope) Clone() Envelope {
	out := Envelope{Fingerprint: e.Fingerprint, Files: make([]File, len(e.Files))}
	for i, f := range e.Files {
		out.Files[i] = File{Name: f.Name, Location: f.Location}
		if f.Data != nil {
			out.Files[i].Data = append([]byte(nil), f.Data...)
		}
	}
	return out
}
