package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashInputSerialisation(t *testing.T) {
	got, err := hashInput([]string{"a", "b", "c", "d"}, []any{int64(1), "x", nil, 3.14})
	require.NoError(t, err)
	assert.Equal(t, "a=1b=xc=Noned=3.14", got)
}

func TestFormatHashValue(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{name: "null", in: nil, want: "None"},
		{name: "string", in: "BRISBANE", want: "BRISBANE"},
		{name: "bytes", in: []byte("BRISBANE"), want: "BRISBANE"},
		{name: "int64", in: int64(-5), want: "-5"},
		{name: "int", in: 42, want: "42"},
		{name: "whole float", in: float64(3), want: "3"},
		{name: "fractional float", in: 3.14, want: "3.14"},
		{name: "latitude", in: -27.46858, want: "-27.46858"},
		{name: "small float", in: 2.5e-8, want: "2.5e-08"},
		{name: "true", in: true, want: "True"},
		{name: "false", in: false, want: "False"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatHashValue(tt.in))
		})
	}
}
