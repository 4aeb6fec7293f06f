package catalog

import "fmt"

// ArgSpec declares the shape of the data a step handler accepts. Enforcement
// happens at the boundary (server, CLI) before the engine is invoked.
type ArgSpec map[string]ArgField

type ArgField struct {
	Kind     ArgKind
	Required bool
}

type ArgKind string

const (
	ArgString  ArgKind = "string"
	ArgNumber  ArgKind = "number"
	ArgBoolean ArgKind = "boolean"
	ArgObject  ArgKind = "object"
	ArgArray   ArgKind = "array"
)

// ValidKind reports whether k names a known argument kind.
func ValidKind(k ArgKind) bool {
	switch k {
	case ArgString, ArgNumber, ArgBoolean, ArgObject, ArgArray:
		return true
	}
	return false
}

// Validate checks decoded JSON arguments against the contract. Unknown keys
// are rejected so a contract change cannot silently drop caller data.
func (s ArgSpec) Validate(args map[string]any) error {
	for name, field := range s {
		v, ok := args[name]
		if !ok {
			if field.Required {
				return fmt.Errorf("arg %s is required", name)
			}
			continue
		}
		if v == nil {
			continue
		}
		if !kindMatches(field.Kind, v) {
			return fmt.Errorf("arg %s: expected %s", name, field.Kind)
		}
	}
	for name := range args {
		if _, ok := s[name]; !ok {
			return fmt.Errorf("arg %s not accepted by this step", name)
		}
	}
	return nil
}

func kindMatches(kind ArgKind, v any) bool {
	switch kind {
	case ArgString:
		_, ok := v.(string)
		return ok
	case ArgNumber:
		switch v.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case ArgBoolean:
		_, ok := v.(bool)
		return ok
	case ArgObject:
		_, ok := v.(map[string]any)
		return ok
	case ArgArray:
		_, ok := v.([]any)
		return ok
	}
	return false
}
