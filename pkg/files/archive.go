package files

import (
	"archive/tar"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/burrow/pkg/protocol"
)

// Download writes a tar archive of the requested paths to w. Paths are
// archived in input order; directories are walked recursively. Entry
// names inside the archive are workspace-relative.
func (s *Service) Download(paths []string, w io.Writer) error {
	if len(paths) == 0 {
		return protocol.NewError(protocol.CodeInvalidRequest, "paths must not be empty")
	}

	tw := tar.NewWriter(w)
	for _, p := range paths {
		abs, err := s.guard.Resolve(p)
		if err != nil {
			return err
		}
		info, err := os.Lstat(abs)
		if err != nil {
			return ioError(err, p)
		}
		if info.IsDir() {
			if err := s.archiveDir(tw, abs); err != nil {
				return err
			}
			continue
		}
		if err := s.archiveFile(tw, abs, info); err != nil {
			return err
		}
	}
	return tw.Close()
}

func (s *Service) archiveDir(tw *tar.Writer, absDir string) error {
	return filepath.WalkDir(absDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return ioError(err, s.guard.Relative(path))
		}
		info, err := d.Info()
		if err != nil {
			return nil // entry vanished mid-walk
		}
		if d.IsDir() {
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return ioError(err, s.guard.Relative(path))
			}
			hdr.Name = s.guard.Relative(path) + "/"
			return tw.WriteHeader(hdr)
		}
		if !info.Mode().IsRegular() {
			return nil // sockets, devices, symlinks are skipped
		}
		return s.archiveFile(tw, path, info)
	})
}

func (s *Service) archiveFile(tw *tar.Writer, abs string, info os.FileInfo) error {
	rel := s.guard.Relative(abs)
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return ioError(err, rel)
	}
	hdr.Name = rel

	f, err := os.Open(abs)
	if err != nil {
		return ioError(err, rel)
	}
	defer f.Close()

	if err := tw.WriteHeader(hdr); err != nil {
		return ioError(err, rel)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return ioError(err, rel)
	}
	return nil
}

// BatchUpload extracts a tar stream into the workspace. Each entry is
// validated against the guard independently; one bad entry is reported
// in its result and does not abort the rest of the archive.
func (s *Service) BatchUpload(r io.Reader) (*protocol.BatchUploadResponse, error) {
	tr := tar.NewReader(r)
	resp := &protocol.BatchUploadResponse{}

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, protocol.NewError(protocol.CodeInvalidRequest,
				"malformed tar stream: %v", err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			// Directories are materialized lazily by file entries.
			continue
		case tar.TypeReg:
		default:
			continue // links and specials are not extracted
		}

		resp.TotalFiles++
		result := s.extractOne(hdr, tr)
		resp.Results = append(resp.Results, result)
		if result.OK {
			resp.SuccessCount++
		}
	}
	return resp, nil
}

func (s *Service) extractOne(hdr *tar.Header, r io.Reader) protocol.BatchUploadResult {
	result := protocol.BatchUploadResult{Path: hdr.Name}

	// Tar-slip entries get their own code so a hostile archive is
	// distinguishable from a merely malformed path.
	if name := filepath.Clean(hdr.Name); filepath.IsAbs(name) ||
		name == ".." || strings.HasPrefix(name, ".."+string(filepath.Separator)) {
		result.Error = protocol.NewError(protocol.CodePathTraversal,
			"archive entry escapes the workspace").Error()
		return result
	}

	abs, err := s.guard.Resolve(hdr.Name)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	if hdr.Size > s.maxFileSize {
		result.Error = protocol.NewError(protocol.CodeFileTooLarge,
			"entry size %d exceeds limit %d", hdr.Size, s.maxFileSize).Error()
		return result
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		result.Error = ioError(err, hdr.Name).Error()
		return result
	}

	mode := os.FileMode(hdr.Mode) & os.ModePerm
	if mode == 0 {
		mode = 0o644
	}
	f, err := os.OpenFile(abs, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		result.Error = ioError(err, hdr.Name).Error()
		return result
	}
	// LimitReader guards against a header lying about its size.
	n, err := io.Copy(f, io.LimitReader(r, s.maxFileSize+1))
	closeErr := f.Close()
	if err != nil {
		os.Remove(abs)
		result.Error = ioError(err, hdr.Name).Error()
		return result
	}
	if n > s.maxFileSize {
		os.Remove(abs)
		result.Error = protocol.NewError(protocol.CodeFileTooLarge,
			"entry exceeds limit %d", s.maxFileSize).Error()
		return result
	}
	if closeErr != nil {
		result.Error = ioError(closeErr, hdr.Name).Error()
		return result
	}

	result.OK = true
	result.Size = n
	return result
}
