package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSONSortsKeys(t *testing.T) {
	body := map[string]any{
		"model": "gpt-4",
		"messages": []any{
			map[string]any{"role": "user", "content": "hi"},
		},
		"temperature": 0.5,
	}

	canonical, err := CanonicalJSON(body)
	require.NoError(t, err)
	assert.Equal(t,
		`{"messages":[{"content":"hi","role":"user"}],"model":"gpt-4","temperature":0.5}`,
		canonical)
}

func TestCanonicalJSONKeyOrderIndependent(t *testing.T) {
	var a, b map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"x":1,"y":{"b":2,"a":3}}`), &a))
	require.NoError(t, json.Unmarshal([]byte(`{"y":{"a":3,"b":2},"x":1}`), &b))

	ca, err := CanonicalJSON(a)
	require.NoError(t, err)
	cb, err := CanonicalJSON(b)
	require.NoError(t, err)
	assert.Equal(t, ca, cb)

	assert.Equal(t, BodyHash(a), BodyHash(b))
}

func TestBodyHashDistinguishesValues(t *testing.T) {
	h1 := BodyHash(map[string]any{"model": "gpt-4"})
	h2 := BodyHash(map[string]any{"model": "gpt-4o"})
	assert.NotEqual(t, h1, h2)
}

func TestBodyHashIntegralFloat(t *testing.T) {
	// JSON decoding turns all numbers into float64; 3 must not hash as "3.0".
	var a map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"n":3}`), &a))

	canonical, err := CanonicalJSON(a)
	require.NoError(t, err)
	assert.Equal(t, `{"n":3}`, canonical)
}

func TestBodyHashIsBase64SHA256(t *testing.T) {
	// base64 of a 32-byte digest is always 44 chars with padding.
	assert.Len(t, BodyHash(map[string]any{}), 44)
}
