package imanage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// FieldString renders a profile field decoded with json.Decoder.UseNumber the
// way it appears in the payload. Null renders as "".
func FieldString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

// FieldPresent reports whether a profile field carries a usable value: not
// null, not an empty string, not zero, not false.
func FieldPresent(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case json.Number:
		f, err := t.Float64()
		return err != nil || f != 0
	case bool:
		return t
	default:
		return true
	}
}

// DecodeJSON decodes raw keeping numbers as json.Number, so document numbers
// and sizes keep their exact text.
func DecodeJSON(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}
