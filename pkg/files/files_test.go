package files

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/burrow/pkg/protocol"
	"github.com/cuemby/burrow/pkg/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, string) {
	t.Helper()
	root := t.TempDir()
	return NewService(workspace.NewGuard(root), 0), root
}

func codeOf(t *testing.T, err error) protocol.Code {
	t.Helper()
	var pe *protocol.Error
	require.True(t, errors.As(err, &pe), "expected *protocol.Error, got %v", err)
	return pe.Code
}

func TestWriteThenRead(t *testing.T) {
	s, root := newTestService(t)

	abs, err := s.Write("hello.txt", []byte("hello world"), WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "hello.txt"), abs)

	content, err := s.Read("hello.txt", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(content))

	// Range read.
	content, err = s.Read("hello.txt", 6, 5)
	require.NoError(t, err)
	assert.Equal(t, "world", string(content))
}

func TestWriteCreateDirs(t *testing.T) {
	s, _ := newTestService(t)

	_, err := s.Write("a/b/c.txt", []byte("x"), WriteOptions{})
	assert.Equal(t, protocol.CodeDirNotFound, codeOf(t, err))

	_, err = s.Write("a/b/c.txt", []byte("x"), WriteOptions{CreateDirs: true})
	require.NoError(t, err)

	content, err := s.Read("a/b/c.txt", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "x", string(content))
}

func TestWriteMode(t *testing.T) {
	s, root := newTestService(t)

	_, err := s.Write("run.sh", []byte("#!/bin/sh\n"), WriteOptions{Mode: 0o755})
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(root, "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestWriteTooLarge(t *testing.T) {
	root := t.TempDir()
	s := NewService(workspace.NewGuard(root), 8)

	_, err := s.Write("big", []byte("123456789"), WriteOptions{})
	assert.Equal(t, protocol.CodeFileTooLarge, codeOf(t, err))
}

func TestWriteRejectsEscape(t *testing.T) {
	s, _ := newTestService(t)

	_, err := s.Write("../escape.txt", []byte("x"), WriteOptions{})
	assert.Equal(t, protocol.CodeInvalidPath, codeOf(t, err))
}

func TestReadMissing(t *testing.T) {
	s, _ := newTestService(t)

	_, err := s.Read("nope.txt", 0, 0)
	assert.Equal(t, protocol.CodeFileNotFound, codeOf(t, err))
}

func TestReadDirectoryRefused(t *testing.T) {
	s, root := newTestService(t)
	require.NoError(t, os.Mkdir(filepath.Join(root, "dir"), 0o755))

	_, err := s.Read("dir", 0, 0)
	assert.Equal(t, protocol.CodeFileOperation, codeOf(t, err))

	_, _, err = s.Open("dir")
	assert.Equal(t, protocol.CodeFileOperation, codeOf(t, err))
}

func TestDelete(t *testing.T) {
	s, root := newTestService(t)

	_, err := s.Write("f.txt", []byte("x"), WriteOptions{})
	require.NoError(t, err)
	require.NoError(t, s.Delete("f.txt", false))
	_, err = os.Stat(filepath.Join(root, "f.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestDeleteNonEmptyDirRequiresRecursive(t *testing.T) {
	s, _ := newTestService(t)

	_, err := s.Write("dir/f.txt", []byte("x"), WriteOptions{CreateDirs: true})
	require.NoError(t, err)

	err = s.Delete("dir", false)
	assert.Equal(t, protocol.CodeDirNotEmpty, codeOf(t, err))

	require.NoError(t, s.Delete("dir", true))
}

func TestList(t *testing.T) {
	s, _ := newTestService(t)

	_, err := s.Write("d/b.txt", []byte("bb"), WriteOptions{CreateDirs: true})
	require.NoError(t, err)
	_, err = s.Write("d/a.txt", []byte("a"), WriteOptions{})
	require.NoError(t, err)
	_, err = s.Write("d/sub/x", []byte("x"), WriteOptions{CreateDirs: true})
	require.NoError(t, err)

	entries, err := s.List("d")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "a.txt", entries[0].Name)
	assert.Equal(t, "b.txt", entries[1].Name)
	assert.Equal(t, "sub", entries[2].Name)
	assert.Equal(t, int64(2), entries[1].Size)
}

func TestListErrors(t *testing.T) {
	s, _ := newTestService(t)

	_, err := s.List("missing")
	assert.Equal(t, protocol.CodeDirNotFound, codeOf(t, err))

	_, werr := s.Write("file.txt", []byte("x"), WriteOptions{})
	require.NoError(t, werr)
	_, err = s.List("file.txt")
	assert.Equal(t, protocol.CodeNotADirectory, codeOf(t, err))
}

func TestMove(t *testing.T) {
	s, _ := newTestService(t)

	_, err := s.Write("src.txt", []byte("content"), WriteOptions{})
	require.NoError(t, err)
	require.NoError(t, s.Move("src.txt", "dst.txt"))

	_, err = s.Read("src.txt", 0, 0)
	assert.Equal(t, protocol.CodeFileNotFound, codeOf(t, err))
	content, err := s.Read("dst.txt", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "content", string(content))
}

func TestRename(t *testing.T) {
	s, _ := newTestService(t)

	_, err := s.Write("dir/old.txt", []byte("x"), WriteOptions{CreateDirs: true})
	require.NoError(t, err)
	require.NoError(t, s.Rename("dir/old.txt", "new.txt"))

	content, err := s.Read("dir/new.txt", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "x", string(content))

	err = s.Rename("dir/new.txt", "sub/evil.txt")
	assert.Equal(t, protocol.CodeInvalidRequest, codeOf(t, err))
}

func TestMoveMissingSource(t *testing.T) {
	s, _ := newTestService(t)
	err := s.Move("ghost", "dst")
	assert.Equal(t, protocol.CodeFileNotFound, codeOf(t, err))
}
