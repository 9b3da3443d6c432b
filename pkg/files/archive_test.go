package files

import (
	"archive/tar"
	"bytes"
	"io"
	"testing"

	"github.com/cuemby/burrow/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownloadAndBatchUploadRoundTrip(t *testing.T) {
	src, _ := newTestService(t)

	_, err := src.Write("proj/main.go", []byte("package main\n"), WriteOptions{CreateDirs: true})
	require.NoError(t, err)
	_, err = src.Write("proj/lib/util.go", []byte("package lib\n"), WriteOptions{CreateDirs: true})
	require.NoError(t, err)
	_, err = src.Write("readme.md", []byte("# hi\n"), WriteOptions{})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, src.Download([]string{"proj", "readme.md"}, &buf))

	dst, _ := newTestService(t)
	resp, err := dst.BatchUpload(&buf)
	require.NoError(t, err)
	assert.Equal(t, 3, resp.TotalFiles)
	assert.Equal(t, 3, resp.SuccessCount)

	for path, want := range map[string]string{
		"proj/main.go":     "package main\n",
		"proj/lib/util.go": "package lib\n",
		"readme.md":        "# hi\n",
	} {
		content, err := dst.Read(path, 0, 0)
		require.NoError(t, err, path)
		assert.Equal(t, want, string(content), path)
	}
}

func TestDownloadPreservesInputOrder(t *testing.T) {
	s, _ := newTestService(t)

	_, err := s.Write("b.txt", []byte("b"), WriteOptions{})
	require.NoError(t, err)
	_, err = s.Write("a.txt", []byte("a"), WriteOptions{})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, s.Download([]string{"b.txt", "a.txt"}, &buf))

	tr := tar.NewReader(&buf)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	assert.Equal(t, []string{"b.txt", "a.txt"}, names)
}

func TestDownloadMissingPath(t *testing.T) {
	s, _ := newTestService(t)
	var buf bytes.Buffer
	err := s.Download([]string{"ghost"}, &buf)
	require.Error(t, err)
}

func TestBatchUploadRejectsEscapingEntry(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	write := func(name, content string) {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	write("ok.txt", "fine")
	write("../evil.txt", "nope")
	require.NoError(t, tw.Close())

	s, _ := newTestService(t)
	resp, err := s.BatchUpload(&buf)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.TotalFiles)
	assert.Equal(t, 1, resp.SuccessCount)

	require.Len(t, resp.Results, 2)
	assert.True(t, resp.Results[0].OK)
	assert.False(t, resp.Results[1].OK)
	assert.Contains(t, resp.Results[1].Error, string(protocol.CodePathTraversal))

	_, readErr := s.Read("ok.txt", 0, 0)
	assert.NoError(t, readErr)
}

func TestBatchUploadEnforcesSizeLimit(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	big := bytes.Repeat([]byte("x"), 32)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "big.bin", Mode: 0o644, Size: int64(len(big)), Typeflag: tar.TypeReg,
	}))
	_, err := tw.Write(big)
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	s, _ := newTestService(t)
	s.maxFileSize = 16
	resp, err := s.BatchUpload(&buf)
	require.NoError(t, err)
	assert.Equal(t, 0, resp.SuccessCount)
	require.Len(t, resp.Results, 1)
	assert.Contains(t, resp.Results[0].Error, "file_too_large")
}
