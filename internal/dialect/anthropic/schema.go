// Package anthropic translates between the Anthropic Messages wire dialect
// and OpenAI Chat Completions, grounded on the gjson/sjson-driven translation
// style used throughout this codebase's other dialect converters.
package anthropic

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// cleanToolSchema drops $schema/title/examples from an Anthropic
// input_schema so it can be forwarded as an OpenAI function's "parameters",
// recursing into "properties" and stripping "format" from string-typed
// property definitions along the way (spec.md §4.3.1).
func cleanToolSchema(schema gjson.Result) string {
	if !schema.Exists() || !schema.IsObject() {
		return "{}"
	}
	out := "{}"
	schema.ForEach(func(key, value gjson.Result) bool {
		k := key.String()
		switch k {
		case "$schema", "title", "examples":
			return true
		case "properties":
			out, _ = sjson.SetRaw(out, "properties", cleanProperties(value))
		default:
			out, _ = sjson.SetRaw(out, escapeKey(k), value.Raw)
		}
		return true
	})
	return out
}

func cleanProperties(props gjson.Result) string {
	out := "{}"
	if !props.IsObject() {
		return out
	}
	props.ForEach(func(key, value gjson.Result) bool {
		name := key.String()
		out, _ = sjson.SetRaw(out, escapeKey(name), cleanProperty(value))
		return true
	})
	return out
}

// cleanProperty drops $schema/title/examples, recurses into nested
// "properties" (for object-typed properties), and strips "format" when the
// property's type is "string".
func cleanProperty(prop gjson.Result) string {
	if !prop.IsObject() {
		return prop.Raw
	}
	isString := prop.Get("type").String() == "string"
	out := "{}"
	prop.ForEach(func(key, value gjson.Result) bool {
		k := key.String()
		switch {
		case k == "$schema" || k == "title" || k == "examples":
			return true
		case k == "format" && isString:
			return true
		case k == "properties":
			out, _ = sjson.SetRaw(out, "properties", cleanProperties(value))
		default:
			out, _ = sjson.SetRaw(out, escapeKey(k), value.Raw)
		}
		return true
	})
	return out
}

// escapeKey guards against sjson path-syntax characters (., *, ?) appearing
// in a literal JSON object key such as a property name.
func escapeKey(k string) string {
	escaped := ""
	for _, r := range k {
		switch r {
		case '.', '*', '?':
			escaped += "\\" + string(r)
		default:
			escaped += string(r)
		}
	}
	return escaped
}
