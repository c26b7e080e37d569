package progress

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Step is a single named checkpoint.
type Step struct {
	Name string `json:"name"`
	Done bool   `json:"done"`
}

// Progress is an ordered step -> done mapping. It encodes as a JSON object
// whose key order follows the slice order.
type Progress []Step

// ForType returns fresh progress for a project type with every step false.
// Changing a project's type goes through here as well: the previous map is
// discarded wholesale.
func ForType(projectType string) (Progress, error) {
	steps, err := StepsFor(projectType)
	if err != nil {
		return nil, err
	}
	p := make(Progress, len(steps))
	for i, name := range steps {
		p[i] = Step{Name: name}
	}
	return p, nil
}

// IsComplete is true iff there is at least one step and all steps are done.
func (p Progress) IsComplete() bool {
	if len(p) == 0 {
		return false
	}
	for _, s := range p {
		if !s.Done {
			return false
		}
	}
	return true
}

// Get returns the value of a step and whether the step exists.
func (p Progress) Get(name string) (done, ok bool) {
	for _, s := range p {
		if s.Name == name {
			return s.Done, true
		}
	}
	return false, false
}

// Toggle returns a copy with the named step flipped. Unknown steps are an
// error; steps are never added this way.
func (p Progress) Toggle(name string) (Progress, error) {
	out := p.Clone()
	for i := range out {
		if out[i].Name == name {
			out[i].Done = !out[i].Done
			return out, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownStep, name)
}

// Set returns a copy with the named step set to done.
func (p Progress) Set(name string, done bool) (Progress, error) {
	out := p.Clone()
	for i := range out {
		if out[i].Name == name {
			out[i].Done = done
			return out, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownStep, name)
}

func (p Progress) Clone() Progress {
	if p == nil {
		return nil
	}
	out := make(Progress, len(p))
	copy(out, p)
	return out
}

// Percent returns the share of completed steps, rounded down.
func (p Progress) Percent() int {
	if len(p) == 0 {
		return 0
	}
	done := 0
	for _, s := range p {
		if s.Done {
			done++
		}
	}
	return done * 100 / len(p)
}

// Normalize reorders p by the step table of projectType. Stores that do not
// keep object key order (jsonb) hand progress back sorted differently.
// Steps missing from the table keep their relative order at the end.
func Normalize(projectType string, p Progress) Progress {
	steps, ok := TypeRegistry[projectType]
	if !ok || len(p) == 0 {
		return p
	}
	out := make(Progress, 0, len(p))
	used := make(map[string]bool, len(p))
	for _, name := range steps {
		if done, ok := p.Get(name); ok {
			out = append(out, Step{Name: name, Done: done})
			used[name] = true
		}
	}
	for _, s := range p {
		if !used[s.Name] {
			out = append(out, s)
		}
	}
	return out
}

func (p Progress) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, s := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(s.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		if s.Done {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes an object keeping the document's key order. A
// repeated key keeps its first position and its last value.
func (p *Progress) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*p = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("progress: expected object, got %v", tok)
	}
	out := Progress{}
	seen := make(map[string]int)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("progress: expected key, got %v", tok)
		}
		var done bool
		if err := dec.Decode(&done); err != nil {
			return fmt.Errorf("progress: step %q: %w", name, err)
		}
		if i, dup := seen[name]; dup {
			out[i].Done = done
			continue
		}
		seen[name] = len(out)
		out = append(out, Step{Name: name, Done: done})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*p = out
	return nil
}
