package gemini

// JSON Schema keywords the Gemini function-declaration schema rejects.
var unsupportedSchemaKeys = map[string]struct{}{
	"additionalProperties":  {},
	"nullable":              {},
	"$schema":               {},
	"$id":                   {},
	"$comment":              {},
	"examples":              {},
	"patternProperties":     {},
	"unevaluatedProperties": {},
}

// Keywords whose object value maps names to sub-schemas.
var namedSchemaKeys = map[string]struct{}{
	"properties":  {},
	"definitions": {},
	"$defs":       {},
}

// CleanSchema returns a copy of schema with unsupported keywords removed at
// every nesting level. Other keys, and the order of arrays, are preserved.
// The input is not modified.
func CleanSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	return cleanObject(schema)
}

func cleanObject(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	for key, value := range obj {
		if _, drop := unsupportedSchemaKeys[key]; drop {
			continue
		}
		if _, named := namedSchemaKeys[key]; named {
			if props, ok := value.(map[string]any); ok {
				out[key] = cleanNamed(props)
				continue
			}
		}
		out[key] = cleanValue(value)
	}
	return out
}

// cleanNamed keeps every name, even one that collides with a keyword, and
// cleans the schema behind it.
func cleanNamed(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for name, sub := range props {
		out[name] = cleanValue(sub)
	}
	return out
}

func cleanValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return cleanObject(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cleanValue(item)
		}
		return out
	default:
		return value
	}
}
