package files

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/protocol"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/workspace"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// DefaultMaxFileSize caps single writes at 100 MiB.
const DefaultMaxFileSize = 100 << 20

// Service implements workspace-scoped file operations. Every public
// method validates its paths through the guard before touching disk.
type Service struct {
	guard       *workspace.Guard
	maxFileSize int64
	logger      zerolog.Logger
}

// NewService creates a file service rooted at the guard's workspace.
func NewService(guard *workspace.Guard, maxFileSize int64) *Service {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	return &Service{
		guard:       guard,
		maxFileSize: maxFileSize,
		logger:      log.WithComponent("files"),
	}
}

// MaxFileSize returns the configured single-file size limit.
func (s *Service) MaxFileSize() int64 {
	return s.maxFileSize
}

// WriteOptions controls Write behavior.
type WriteOptions struct {
	CreateDirs bool
	Mode       os.FileMode // 0 keeps the default 0644
}

// Write stores content at path, overwriting in place. The write goes
// through a temp file and rename so readers never observe a torn file.
func (s *Service) Write(path string, content []byte, opts WriteOptions) (string, error) {
	abs, err := s.guard.Resolve(path)
	if err != nil {
		return "", err
	}
	if int64(len(content)) > s.maxFileSize {
		return "", protocol.NewError(protocol.CodeFileTooLarge,
			"content size %d exceeds limit %d", len(content), s.maxFileSize).
			WithContext("path", path)
	}

	dir := filepath.Dir(abs)
	if _, err := os.Stat(dir); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return "", ioError(err, path)
		}
		if !opts.CreateDirs {
			return "", protocol.NewError(protocol.CodeDirNotFound,
				"parent directory does not exist").WithContext("path", path)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", ioError(err, path)
		}
	}

	mode := opts.Mode
	if mode == 0 {
		mode = 0o644
	}

	tmp, err := os.CreateTemp(dir, ".burrow-write-*")
	if err != nil {
		return "", ioError(err, path)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return "", ioError(err, path)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return "", ioError(err, path)
	}
	if err := tmp.Close(); err != nil {
		return "", ioError(err, path)
	}
	if err := os.Rename(tmpPath, abs); err != nil {
		return "", ioError(err, path)
	}
	ok = true

	s.logger.Debug().Str("path", path).Int("bytes", len(content)).Msg("file written")
	return abs, nil
}

// Read returns the file content, optionally restricted to a byte range.
// length <= 0 reads to EOF.
func (s *Service) Read(path string, offset, length int64) ([]byte, error) {
	abs, err := s.guard.Resolve(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, ioError(err, path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, ioError(err, path)
	}
	if info.IsDir() {
		return nil, protocol.NewError(protocol.CodeFileOperation,
			"path is a directory, not a file").WithContext("path", path)
	}

	if offset < 0 {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "offset must be >= 0")
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, ioError(err, path)
		}
	}

	var reader io.Reader = f
	if length > 0 {
		reader = io.LimitReader(f, length)
	}
	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, ioError(err, path)
	}
	return content, nil
}

// Open returns the file for streaming along with its stat. Caller closes.
func (s *Service) Open(path string) (*os.File, os.FileInfo, error) {
	abs, err := s.guard.Resolve(path)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, nil, ioError(err, path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, ioError(err, path)
	}
	if info.IsDir() {
		f.Close()
		return nil, nil, protocol.NewError(protocol.CodeFileOperation,
			"path is a directory, not a file").WithContext("path", path)
	}
	return f, info, nil
}

// Stat validates the path and reports whether it exists.
func (s *Service) Stat(path string) (os.FileInfo, error) {
	abs, err := s.guard.Resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Lstat(abs)
	if err != nil {
		return nil, ioError(err, path)
	}
	return info, nil
}

// Delete removes a file or directory. Deleting a non-empty directory
// requires recursive.
func (s *Service) Delete(path string, recursive bool) error {
	abs, err := s.guard.Resolve(path)
	if err != nil {
		return err
	}

	info, err := os.Lstat(abs)
	if err != nil {
		return ioError(err, path)
	}

	if info.IsDir() && !recursive {
		entries, err := os.ReadDir(abs)
		if err != nil {
			return ioError(err, path)
		}
		if len(entries) > 0 {
			return protocol.NewError(protocol.CodeDirNotEmpty,
				"directory is not empty").WithContext("path", path)
		}
		return ioErrorOrNil(os.Remove(abs), path)
	}

	if recursive {
		return ioErrorOrNil(os.RemoveAll(abs), path)
	}
	return ioErrorOrNil(os.Remove(abs), path)
}

// List returns the entries of a directory, sorted by name. No recursion.
func (s *Service) List(path string) ([]types.FileEntry, error) {
	abs, err := s.guard.Resolve(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, protocol.NewError(protocol.CodeDirNotFound,
				"directory not found").WithContext("path", path)
		}
		return nil, ioError(err, path)
	}
	if !info.IsDir() {
		return nil, protocol.NewError(protocol.CodeNotADirectory,
			"path is a file, not a directory").WithContext("path", path)
	}

	dirEntries, err := os.ReadDir(abs)
	if err != nil {
		return nil, ioError(err, path)
	}

	entries := make([]types.FileEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		fi, err := de.Info()
		if err != nil {
			continue // entry vanished between readdir and stat
		}
		entries = append(entries, fileEntry(fi))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Move renames from → to, falling back to copy-then-delete across
// filesystems.
func (s *Service) Move(from, to string) error {
	absFrom, err := s.guard.Resolve(from)
	if err != nil {
		return err
	}
	absTo, err := s.guard.Resolve(to)
	if err != nil {
		return err
	}
	return s.renamePath(absFrom, absTo, from)
}

// Rename changes the last path element in place. newName must be a bare
// name, not a path.
func (s *Service) Rename(path, newName string) error {
	if newName == "" || newName != filepath.Base(newName) {
		return protocol.NewError(protocol.CodeInvalidRequest,
			"newName must be a bare file name").WithContext("newName", newName)
	}
	abs, err := s.guard.Resolve(path)
	if err != nil {
		return err
	}
	target := filepath.Join(filepath.Dir(abs), newName)
	return s.renamePath(abs, target, path)
}

func (s *Service) renamePath(absFrom, absTo, reportPath string) error {
	if _, err := os.Lstat(absFrom); err != nil {
		return ioError(err, reportPath)
	}
	err := os.Rename(absFrom, absTo)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EXDEV) {
		return ioError(err, reportPath)
	}

	// Cross-device: copy then delete. Only regular files take this path;
	// a directory crossing filesystems is rejected with the fallback
	// advertised in the error context.
	info, statErr := os.Stat(absFrom)
	if statErr != nil {
		return ioError(statErr, reportPath)
	}
	if info.IsDir() {
		return protocol.NewError(protocol.CodeFileOperation,
			"cannot move directory across filesystems").
			WithContext("path", reportPath).
			WithContext("fallback", "copy-then-delete applies to files only")
	}
	if copyErr := copyFile(absFrom, absTo, info.Mode()); copyErr != nil {
		return ioError(copyErr, reportPath)
	}
	return ioErrorOrNil(os.Remove(absFrom), reportPath)
}

func copyFile(from, to string, mode os.FileMode) error {
	src, err := os.Open(from)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(to, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(to)
		return err
	}
	return dst.Close()
}

func fileEntry(fi os.FileInfo) types.FileEntry {
	kind := types.FileKindFile
	switch {
	case fi.IsDir():
		kind = types.FileKindDir
	case fi.Mode()&os.ModeSymlink != 0:
		kind = types.FileKindSymlink
	}
	return types.FileEntry{
		Name:  fi.Name(),
		Kind:  kind,
		Size:  fi.Size(),
		MTime: fi.ModTime().Unix(),
		Mode:  uint32(fi.Mode().Perm()),
	}
}

// ioError translates an OS-level failure into the shared taxonomy.
func ioError(err error, path string) *protocol.Error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return protocol.NewError(protocol.CodeFileNotFound, "file not found").
			WithContext("path", path)
	case errors.Is(err, unix.ENOSPC):
		return protocol.NewError(protocol.CodeDiskFull, "no space left on device").
			WithContext("path", path)
	case errors.Is(err, unix.ENOTEMPTY):
		return protocol.NewError(protocol.CodeDirNotEmpty, "directory is not empty").
			WithContext("path", path)
	case errors.Is(err, unix.EISDIR):
		return protocol.NewError(protocol.CodeFileOperation,
			"path is a directory, not a file").WithContext("path", path)
	default:
		return protocol.NewError(protocol.CodeFileOperation,
			"%s", fmt.Sprintf("file operation failed: %v", err)).
			WithContext("path", path)
	}
}

func ioErrorOrNil(err error, path string) error {
	if err == nil {
		return nil
	}
	return ioError(err, path)
}
