package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Access says how a tool touches the paths named in its arguments.
type Access int

const (
	// AccessInfer derives access from the risk classification.
	AccessInfer Access = iota
	AccessRead
	AccessWrite
	AccessExec
)

// Spec describes a tool the dispatcher knows about. Unregistered tools
// still dispatch; their targets and access are inferred.
type Spec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"input_schema,omitempty"`
	Access      Access         `json:"-"`
	// PathArgs lists argument keys holding filesystem paths. Empty means
	// the default keys.
	PathArgs []string `json:"-"`

	compiled *jsonschema.Schema
}

var defaultPathArgs = []string{"file_path", "path", "file", "paths", "target", "destination"}
var urlArgs = []string{"url", "uri", "endpoint"}

func (s *Spec) pathArgs() []string {
	if len(s.PathArgs) > 0 {
		return s.PathArgs
	}
	return defaultPathArgs
}

func (s *Spec) compile() error {
	if len(s.Schema) == 0 {
		return nil
	}
	raw, err := json.Marshal(s.Schema)
	if err != nil {
		return fmt.Errorf("marshal schema for %s: %w", s.Name, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("unmarshal schema for %s: %w", s.Name, err)
	}
	c := jsonschema.NewCompiler()
	url := "tool://" + s.Name + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return fmt.Errorf("schema for %s: %w", s.Name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", s.Name, err)
	}
	s.compiled = compiled
	return nil
}

func (s *Spec) validate(args map[string]any) error {
	if s.compiled == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	var inst any
	if err := json.Unmarshal(raw, &inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if err := s.compiled.Validate(inst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidArguments, s.Name, err)
	}
	return nil
}
