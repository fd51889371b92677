package eventstore

import "strings"

var redactedHeaderNames = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"x-api-key":           true,
	"x-claude-api-key":    true,
	"x-anthropic-api-key": true,
	"api-key":             true,
	"cookie":              true,
}

const redactedValue = "[redacted]"

// redactHeaders lower-cases each header name and replaces the value of any
// header in the redaction set (spec.md §4.5) with "[redacted]".
func redactHeaders(headers map[string][]string) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for name, values := range headers {
		lower := strings.ToLower(name)
		value := strings.Join(values, ", ")
		if redactedHeaderNames[lower] {
			value = redactedValue
		}
		out[lower] = value
	}
	return out
}
