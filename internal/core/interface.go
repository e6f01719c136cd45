package core

import (
	"slices"
)

// Interface is an advisory, machine-readable description of an artifact's
// callable methods. When present, invoke arguments are checked against it.
type Interface struct {
	Description string   `json:"description,omitempty"`
	Methods     []Method `json:"methods,omitempty"`
}

// Method describes one callable entry point.
type Method struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Inputs      []Param `json:"inputs,omitempty"`
	Outputs     []Param `json:"outputs,omitempty"`
}

// Param is a named, typed input or output.
type Param struct {
	Name     string `json:"name"`
	Type     string `json:"type"` // string, int, number, bool, list, dict, any
	Optional bool   `json:"optional,omitempty"`
}

var paramTypes = []string{"string", "int", "number", "bool", "list", "dict", "any"}

// Clone returns a deep copy; nil stays nil.
func (i *Interface) Clone() *Interface {
	if i == nil {
		return nil
	}
	c := *i
	c.Methods = make([]Method, len(i.Methods))
	for n, m := range i.Methods {
		m.Inputs = slices.Clone(m.Inputs)
		m.Outputs = slices.Clone(m.Outputs)
		c.Methods[n] = m
	}
	return &c
}

// Validate checks the interface itself is well formed.
func (i *Interface) Validate() error {
	seen := make(map[string]bool)
	for _, m := range i.Methods {
		if m.Name == "" {
			return Errorf(CodeInvalidArgs, "interface method without name")
		}
		if seen[m.Name] {
			return Errorf(CodeInvalidArgs, "interface method %q declared twice", m.Name)
		}
		seen[m.Name] = true
		for _, p := range append(slices.Clone(m.Inputs), m.Outputs...) {
			if !slices.Contains(paramTypes, p.Type) {
				return Errorf(CodeInvalidArgs, "method %q: unknown param type %q", m.Name, p.Type)
			}
		}
	}
	return nil
}

// Lookup returns the declared method with the given name.
func (i *Interface) Lookup(name string) (Method, bool) {
	for _, m := range i.Methods {
		if m.Name == name {
			return m, true
		}
	}
	return Method{}, false
}

// ValidateCall checks method and args against the declared interface.
// An interface without methods admits any call.
func (i *Interface) ValidateCall(method string, args []any) error {
	if i == nil || len(i.Methods) == 0 {
		return nil
	}
	if method == "" {
		method = "run"
	}
	m, ok := i.Lookup(method)
	if !ok {
		return Errorf(CodeInvalidArgs, "method %q is not declared", method)
	}
	required := 0
	for _, p := range m.Inputs {
		if !p.Optional {
			required++
		}
	}
	if len(args) < required || len(args) > len(m.Inputs) {
		return Errorf(CodeInvalidArgs, "method %q takes %d..%d args, got %d", method, required, len(m.Inputs), len(args))
	}
	for n, arg := range args {
		p := m.Inputs[n]
		if !matchesParam(p.Type, arg) {
			return Errorf(CodeInvalidArgs, "method %q arg %q: want %s, got %T", method, p.Name, p.Type, arg)
		}
	}
	return nil
}

func matchesParam(typ string, v any) bool {
	switch typ {
	case "any":
		return true
	case "string":
		_, ok := v.(string)
		return ok
	case "bool":
		_, ok := v.(bool)
		return ok
	case "int":
		switch n := v.(type) {
		case int, int64:
			return true
		case float64:
			return n == float64(int64(n))
		}
		return false
	case "number":
		switch v.(type) {
		case int, int64, float64:
			return true
		}
		return false
	case "list":
		_, ok := v.([]any)
		return ok
	case "dict":
		_, ok := v.(map[string]any)
		return ok
	}
	return false
}
