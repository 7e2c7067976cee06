package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandsRegistered(t *testing.T) {
	names := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range []string{"index", "search", "context", "status", "projects", "delete", "config", "watch", "mcp", "version"} {
		assert.True(t, names[want], "missing command %q", want)
	}
}

func TestAbsDir(t *testing.T) {
	dir := t.TempDir()

	got, err := absDir(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, got)

	_, err = absDir(filepath.Join(dir, "missing"))
	assert.ErrorContains(t, err, "does not exist")

	file := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	_, err = absDir(file)
	assert.ErrorContains(t, err, "not a directory")
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1 << 20, "1.0 MB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatBytes(tt.in))
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short.go", truncatePath("short.go", 40))
	assert.Equal(t, "...c/d.go", truncatePath("a/b/c/d.go", 9))

	assert.Equal(t, "    x", truncateLine("\tx", 80))
	assert.Equal(t, "abcd...", truncateLine("abcdefghij", 7))

	assert.Equal(t, "日本語...", truncateLine("日本語のテキストです", 6))
	assert.Equal(t, "...イル.go", truncatePath("ディレクトリ/ファイル.go", 8))
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "(not set)", maskKey(""))
	assert.Equal(t, "****", maskKey("short"))
	assert.Equal(t, "sk-a****wxyz", maskKey("sk-abcdefghwxyz"))
}

func TestContextStrategyFlags(t *testing.T) {
	strategy := contextCmd.Flags().Lookup("strategy")
	require.NotNil(t, strategy)
	assert.Equal(t, "", strategy.DefValue)

	dir := contextCmd.Flags().Lookup("dir")
	require.NotNil(t, dir)
	assert.Equal(t, ".", dir.DefValue)
}
