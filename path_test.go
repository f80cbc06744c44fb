package cargo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "already normalized", input: "/0/abc", want: "/0/abc"},
		{name: "trailing slash", input: "/a/b/", want: "/a/b"},
		{name: "duplicate slashes", input: "//a///b", want: "/a/b"},
		{name: "backslashes", input: `\a\b`, want: "/a/b"},
		{name: "relative", input: "a/b", wantErr: true},
		{name: "dot", input: "/a/./b", wantErr: true},
		{name: "dotdot", input: "/a/../b", wantErr: true},
		{name: "root", input: "/", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizePath(tt.input)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidPath)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAncestors(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"/a", "/a/b"}, ancestors("/a/b/c"))
	assert.Nil(t, ancestors("/a"))
}

func TestIsNormalized(t *testing.T) {
	t.Parallel()

	assert.True(t, isNormalized("/a/b"))
	assert.False(t, isNormalized("/a/b/"))
	assert.False(t, isNormalized("a"))
}
