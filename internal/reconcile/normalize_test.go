package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Organic Tofu 300g", "organic tofu 300g"},
		{"  Organic   Tofu  300g  ", "organic tofu 300g"},
		{"ORGANIC TOFU 300G", "organic tofu 300g"},
		{"Spelt Flour 1kg .", "spelt flour 1kg"},
		{"Dish Soap 500ml *", "dish soap 500ml"},
		{"Rolled Oats -", "rolled oats"},
		{"", ""},
		{"   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeName(tt.input))
		})
	}
}

func TestNormalizeName_KeepsPackSizes(t *testing.T) {
	// Pack sizes distinguish real product variants and must survive.
	assert.Equal(t, "organic tofu 300g", NormalizeName("Organic Tofu 300g"))
	assert.NotEqual(t, NormalizeName("Organic Tofu 300g"), NormalizeName("Organic Tofu 600g"))
}
