package config

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestSecret_String(t *testing.T) {
	s := Secret("password123")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))

	empty := Secret("")
	assert.Equal(t, "", empty.String())
}

func TestSecret_GoString(t *testing.T) {
	s := Secret("password123")
	assert.Equal(t, `"[REDACTED]"`, fmt.Sprintf("%#v", s))
	assert.Equal(t, `""`, fmt.Sprintf("%#v", Secret("")))
}

func TestSecret_Reveal(t *testing.T) {
	assert.Equal(t, "password123", Secret("password123").Reveal())
}

func TestSecret_RedactedInsideStructs(t *testing.T) {
	ex := ExchangeConfig{APIKey: "key-123", SecretKey: "secret-456"}

	data, err := json.Marshal(ex)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret-456")

	out, err := yaml.Marshal(ex)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "key-123")
	assert.Contains(t, string(out), "[REDACTED]")
}
