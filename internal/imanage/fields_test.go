package imanage

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFieldString(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"JDOE", "JDOE"},
		{json.Number("1234"), "1234"},
		{json.Number("1.5"), "1.5"},
		{true, "true"},
		{[]any{"a"}, `["a"]`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FieldString(tt.in))
	}
}

func TestFieldPresent(t *testing.T) {
	assert.False(t, FieldPresent(nil))
	assert.False(t, FieldPresent(""))
	assert.False(t, FieldPresent(json.Number("0")))
	assert.False(t, FieldPresent(false))
	assert.True(t, FieldPresent("x"))
	assert.True(t, FieldPresent(json.Number("7")))
	assert.True(t, FieldPresent(map[string]any{}))
}

func TestDecodeJSON_KeepsNumbers(t *testing.T) {
	var v map[string]any
	assert.NoError(t, DecodeJSON([]byte(`{"document_number":12345678901234}`), &v))
	assert.Equal(t, json.Number("12345678901234"), v["document_number"])
}
