package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"0B", 0, false},
		{"512B", 512, false},
		{"1KB", 1000, false},
		{"512MB", 512 * 1000 * 1000, false},
		{"2GB", 2 * 1000 * 1000 * 1000, false},
		{"1.5GB", 1500 * 1000 * 1000, false},
		{"1TB", 1000 * 1000 * 1000 * 1000, false},
		{"", 0, true},
		{"10", 0, true},
		{"10KiB", 0, true},
		{"-5MB", 0, true},
		{"MB", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		assert.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestParseCoreMask(t *testing.T) {
	tests := []struct {
		in      string
		want    []int
		wantErr bool
	}{
		{"", nil, false},
		{"0", []int{0}, false},
		{"0-3", []int{0, 1, 2, 3}, false},
		{"0-3,5", []int{0, 1, 2, 3, 5}, false},
		{"5,0-2,1", []int{0, 1, 2, 5}, false}, // de-duplicated and sorted
		{"3-1", nil, true},
		{"-1", nil, true},
		{"a", nil, true},
		{"0-", nil, true},
	}

	for _, tt := range tests {
		got, err := ParseCoreMask(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		assert.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestFormatCoreMask(t *testing.T) {
	assert.Equal(t, "0,1,5", FormatCoreMask([]int{0, 1, 5}))
	assert.Equal(t, "", FormatCoreMask(nil))
}

func TestValidVolumeName(t *testing.T) {
	valid := []string{"data", "Data-1", "a", "x_y-z", "0vol"}
	invalid := []string{"", "-lead", "_lead", "has space", "has/slash",
		"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"} // 65 chars

	for _, name := range valid {
		assert.True(t, ValidVolumeName(name), "name %q", name)
	}
	for _, name := range invalid {
		assert.False(t, ValidVolumeName(name), "name %q", name)
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusStopped.IsTerminal())
	assert.False(t, StatusQueued.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.False(t, StatusInitializing.IsTerminal())
}
