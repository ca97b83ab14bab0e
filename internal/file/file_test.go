package file

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanRelative(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "", want: ""},
		{in: " /src/app/ ", want: "src/app"},
		{in: `src\internal\db`, want: "src/internal/db"},
		{in: "./a/./b//c", want: "a/b/c"},
		{in: "../etc", wantErr: true},
		{in: "a/../../b", wantErr: true},
	}
	for _, tc := range cases {
		got, err := CleanRelative(tc.in)
		if tc.wantErr {
			assert.ErrorIs(t, err, ErrUnsafePath, "CleanRelative(%q)", tc.in)
			continue
		}
		require.NoError(t, err, "CleanRelative(%q)", tc.in)
		assert.Equal(t, tc.want, got, "CleanRelative(%q)", tc.in)
	}
}

func TestSafeJoinStaysInsideRoot(t *testing.T) {
	root := t.TempDir()
	got, err := SafeJoin(root, "src", "main.go")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "src", "main.go"), got)

	_, err = SafeJoin(root, "src", "../../x")
	assert.ErrorIs(t, err, ErrUnsafePath)
}

func TestWriteFileAtomicCreatesParentsAndLeavesNoTemp(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "a", "b", "c.txt")
	require.NoError(t, WriteFileAtomic(target, []byte("one")))
	require.NoError(t, WriteFileAtomic(target, []byte("two")))

	b, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "two", string(b))

	entries, err := os.ReadDir(filepath.Dir(target))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".tmp-"), "temp file left behind: %s", e.Name())
	}
}

func TestWriteJSONAtomic(t *testing.T) {
	target := filepath.Join(t.TempDir(), "doc.json")
	require.NoError(t, WriteJSONAtomic(target, map[string]int{"a": 1}))

	b, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(b))

	assert.Error(t, WriteJSONAtomic("", 1))
}
