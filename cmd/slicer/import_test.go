package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateRange(t *testing.T) {
	tests := []struct {
		name    string
		start   int
		end     int
		wantErr string
	}{
		{name: "two rows", start: 1, end: 2},
		{name: "single row", start: 3, end: 3, wantErr: "at least two data rows"},
		{name: "end before start", start: 5, end: 2, wantErr: "--end 2 is before --start 5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateRange(tt.start, tt.end)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
