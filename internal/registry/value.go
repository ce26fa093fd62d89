package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

type ValueKind int

const (
	KindNull ValueKind = iota
	KindString
	KindNumber
	KindBool
	KindObject
)

func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "boolean"
	case KindObject:
		return "object"
	default:
		return "null"
	}
}

const (
	displayLimit      = 100
	complexObjectText = "[Complex Object]"
)

// VariableValue holds one decoded variable payload. Arrays are kept as
// objects and object key order follows the source document.
type VariableValue struct {
	kind   ValueKind
	text   string
	number float64
	flag   bool
	raw    json.RawMessage
}

func StringValue(s string) VariableValue  { return VariableValue{kind: KindString, text: s} }
func NumberValue(n float64) VariableValue { return VariableValue{kind: KindNumber, number: n} }
func BoolValue(b bool) VariableValue      { return VariableValue{kind: KindBool, flag: b} }

// ObjectValue wraps raw JSON for an object or array.
func ObjectValue(raw json.RawMessage) VariableValue {
	return VariableValue{kind: KindObject, raw: append(json.RawMessage(nil), raw...)}
}

func (v VariableValue) Kind() ValueKind { return v.kind }
func (v VariableValue) IsNull() bool    { return v.kind == KindNull }

func (v *VariableValue) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*v = VariableValue{}
		return nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return fmt.Errorf("decode string value: %w", err)
		}
		*v = StringValue(s)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return fmt.Errorf("decode boolean value: %w", err)
		}
		*v = BoolValue(b)
	case '{', '[':
		if !json.Valid(trimmed) {
			return fmt.Errorf("decode object value: invalid json")
		}
		*v = ObjectValue(trimmed)
	default:
		n, err := strconv.ParseFloat(string(trimmed), 64)
		if err != nil {
			return fmt.Errorf("decode number value: %w", err)
		}
		*v = NumberValue(n)
	}
	return nil
}

func (v VariableValue) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.text)
	case KindNumber:
		if math.IsNaN(v.number) || math.IsInf(v.number, 0) {
			return []byte("null"), nil
		}
		return []byte(formatNumber(v.number)), nil
	case KindBool:
		return json.Marshal(v.flag)
	case KindObject:
		if len(v.raw) == 0 {
			return []byte("null"), nil
		}
		return v.raw, nil
	default:
		return []byte("null"), nil
	}
}

// Format renders the value for display, bounded to a fixed length.
func (v VariableValue) Format() string {
	switch v.kind {
	case KindString:
		return truncate(v.text)
	case KindNumber:
		return formatNumber(v.number)
	case KindBool:
		return strconv.FormatBool(v.flag)
	case KindObject:
		var buf bytes.Buffer
		if err := json.Indent(&buf, v.raw, "", "  "); err != nil {
			return complexObjectText
		}
		return truncate(buf.String())
	default:
		return "null"
	}
}

func formatNumber(n float64) string {
	if math.Abs(n) >= 1e21 {
		return strconv.FormatFloat(n, 'g', -1, 64)
	}
	return strconv.FormatFloat(n, 'f', -1, 64)
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= displayLimit {
		return s
	}
	runes := []rune(s)
	return string(runes[:displayLimit]) + "..."
}

// FilterVariables keeps variables whose name, type or source contains term,
// ignoring case. An empty term keeps everything.
func FilterVariables(vars []Variable, term string) []Variable {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return vars
	}
	out := make([]Variable, 0, len(vars))
	for _, variable := range vars {
		if strings.Contains(strings.ToLower(variable.Name), term) ||
			strings.Contains(strings.ToLower(variable.Type), term) ||
			strings.Contains(strings.ToLower(variable.Source), term) {
			out = append(out, variable)
		}
	}
	return out
}
