package styles

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatters(t *testing.T) {
	tests := []struct {
		name   string
		format func(string) string
		icon   string
	}{
		{"success", FormatSuccess, IconSuccess},
		{"error", FormatError, IconError},
		{"warning", FormatWarning, IconWarning},
		{"info", FormatInfo, IconInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.format("some message")
			assert.Contains(t, result, tt.icon)
			assert.Contains(t, result, "some message")
		})
	}
}

func TestFormatKeyValue(t *testing.T) {
	result := FormatKeyValue("Version", "12")
	assert.Contains(t, result, "Version:")
	assert.Contains(t, result, "12")
}

func TestNewTable(t *testing.T) {
	DisableColors()

	out := NewTable("Sequence", "Type").
		Row("1", "account.created").
		Row("2", "account.activated").
		String()

	assert.Contains(t, out, "Sequence")
	assert.Contains(t, out, "account.created")
	assert.Contains(t, out, "account.activated")
	assert.NotContains(t, out, "\x1b[")
}
