package client

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestSaveFileCollisionNaming(t *testing.T) {
	dir := t.TempDir()

	var paths []string
	for i := 0; i < 3; i++ {
		path, err := SaveFile(dir, &protocol.File{Name: "photo.jpg", Data: []byte{byte(i)}})
		require.NoError(t, err)
		paths = append(paths, filepath.Base(path))
	}
	assert.Equal(t, []string{"photo.jpg", "photo-1.jpg", "photo-2.jpg"}, paths)

	// Earlier files are never overwritten
	for i, name := range paths {
		data, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, data)
	}
}

func TestSaveFileStripsDirectories(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		want string
	}{
		{"../../etc/passwd", "passwd"},
		{"/absolute/path/notes.txt", "notes.txt"},
		{`..\..\windows\evil.exe`, "evil.exe"},
		{"..", "download"},
		{"", "download-1"},
		{"dir/", "download-2"},
	}

	for _, tt := range tests {
		path, err := SaveFile(dir, &protocol.File{Name: tt.name, Data: []byte("x")})
		require.NoError(t, err, tt.name)
		assert.Equal(t, dir, filepath.Dir(path), tt.name)
		assert.Equal(t, tt.want, filepath.Base(path), tt.name)
	}
}

func TestSaveFileDotfile(t *testing.T) {
	dir := t.TempDir()

	first, err := SaveFile(dir, &protocol.File{Name: ".env", Data: nil})
	require.NoError(t, err)
	second, err := SaveFile(dir, &protocol.File{Name: ".env"})
	require.NoError(t, err)

	assert.Equal(t, ".env", filepath.Base(first))
	assert.Equal(t, ".env-1", filepath.Base(second))

	info, err := os.Stat(first)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestSaveFileCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "downloads")

	path, err := SaveFile(dir, &protocol.File{Name: "a.txt", Data: []byte("abc")})
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestSafeBaseNameProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		name := rapid.String().Draw(t, "name")
		base := safeBaseName(name)

		if base == "" || base == "." || base == ".." {
			t.Fatalf("unsafe base %q for %q", base, name)
		}
		if strings.ContainsAny(base, `/\`) {
			t.Fatalf("base %q for %q contains a separator", base, name)
		}
	})
}
