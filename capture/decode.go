package capture

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/antonholmquist/jason"

	"serialhub/output"
)

// Decode turns one line into a record. A JSON object is flattened into
// dot-separated keys, a line made only of key=value or key:value tokens
// becomes string fields, and anything else is a raw record.
func Decode(portID, raw string, receivedAt time.Time) output.Record {
	rec := output.Record{
		PortID:     portID,
		Raw:        raw,
		ReceivedAt: receivedAt,
		Kind:       output.KindRaw,
	}

	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return rec
	}

	var fields map[string]any
	if trimmed[0] == '{' {
		fields = decodeJSON(trimmed)
	} else {
		fields = decodePairs(trimmed)
	}

	if len(fields) > 0 {
		rec.Kind = output.KindStructured
		rec.Fields = fields
	}
	return rec
}

func decodeJSON(s string) map[string]any {
	obj, err := jason.NewObjectFromBytes([]byte(s))
	if err != nil {
		return nil
	}
	fields := make(map[string]any)
	flattenObject("", obj, fields)
	return fields
}

func flattenObject(prefix string, obj *jason.Object, out map[string]any) {
	for key, val := range obj.Map() {
		flattenValue(joinKey(prefix, key), val, out)
	}
}

func flattenValue(key string, val *jason.Value, out map[string]any) {
	if obj, err := val.Object(); err == nil {
		flattenObject(key, obj, out)
		return
	}
	if arr, err := val.Array(); err == nil {
		for i, elem := range arr {
			flattenValue(joinKey(key, strconv.Itoa(i)), elem, out)
		}
		return
	}
	if num, err := val.Number(); err == nil {
		out[key] = numberValue(num)
		return
	}
	if str, err := val.String(); err == nil {
		out[key] = str
		return
	}
	if b, err := val.Boolean(); err == nil {
		out[key] = b
		return
	}
	if err := val.Null(); err == nil {
		out[key] = nil
	}
}

func numberValue(num json.Number) any {
	if i, err := num.Int64(); err == nil {
		return i
	}
	if f, err := num.Float64(); err == nil {
		return f
	}
	return num.String()
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// decodePairs accepts "temp=21.5, hum:40" style lines. A single token
// that is not a pair makes the whole line raw.
func decodePairs(s string) map[string]any {
	tokens := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t'
	})
	if len(tokens) == 0 {
		return nil
	}

	fields := make(map[string]any, len(tokens))
	for _, tok := range tokens {
		idx := strings.IndexAny(tok, "=:")
		if idx <= 0 {
			return nil
		}
		key := tok[:idx]
		if !validKey(key) {
			return nil
		}
		fields[key] = tok[idx+1:]
	}
	return fields
}

// validKey requires a leading letter or underscore so timestamps like
// 12:30:05 are not taken for pairs
func validKey(key string) bool {
	for i, r := range key {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '-' || r == '.'):
		default:
			return false
		}
	}
	return true
}
