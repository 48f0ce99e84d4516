package component

// JSON schema derivation for ports. The gateway announces component tools
// with a schema built from the action- and exposed config-bound ports; the
// compiler validates node config values against the parameter ports.

// InputJSONSchema builds a JSON schema object describing the arguments an
// agent may pass when invoking this component as a tool: action-bound inputs
// plus the parameters listed in AgentTool.ExposeParams. Credential-bound
// ports never appear.
func (d *Definition) InputJSONSchema() map[string]any {
	props := make(map[string]any)
	var required []string
	for _, p := range d.Inputs {
		if p.Binding != BindingAction {
			continue
		}
		props[p.ID] = portSchema(p)
		if p.Required && p.Default == nil {
			required = append(required, p.ID)
		}
	}
	if d.AgentTool != nil {
		for _, id := range d.AgentTool.ExposeParams {
			p, ok := d.ParameterPort(id)
			if !ok || p.Binding == BindingCredential {
				continue
			}
			props[p.ID] = portSchema(p)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// ParameterJSONSchema builds a JSON schema for the node editor config of this
// component, used by the compiler to validate node.data.config.
func (d *Definition) ParameterJSONSchema() map[string]any {
	props := make(map[string]any)
	var required []string
	for _, p := range d.Parameters {
		props[p.ID] = portSchema(p)
		if p.Required && p.Default == nil {
			required = append(required, p.ID)
		}
	}
	schema := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func portSchema(p Port) map[string]any {
	s := connectionSchema(p.Type)
	if p.Description != "" {
		s["description"] = p.Description
	}
	if p.Default != nil {
		s["default"] = p.Default
	}
	return s
}

func connectionSchema(t ConnectionType) map[string]any {
	switch t.Kind {
	case ConnectionPrimitive:
		switch t.Primitive {
		case PrimitiveNumber:
			return map[string]any{"type": "number"}
		case PrimitiveBoolean:
			return map[string]any{"type": "boolean"}
		case PrimitiveJSON:
			return map[string]any{}
		case PrimitiveFile:
			// Files travel as storage ids.
			return map[string]any{"type": "string"}
		default:
			// text and secret are strings on the wire.
			return map[string]any{"type": "string"}
		}
	case ConnectionList:
		elem := map[string]any{}
		if t.Elem != nil {
			elem = connectionSchema(*t.Elem)
		}
		return map[string]any{"type": "array", "items": elem}
	case ConnectionMap:
		val := map[string]any{}
		if t.Value != nil {
			val = connectionSchema(*t.Value)
		}
		return map[string]any{"type": "object", "additionalProperties": val}
	case ConnectionContract:
		return map[string]any{"type": "object"}
	default:
		return map[string]any{}
	}
}
