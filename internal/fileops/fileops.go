// Package fileops implements the file-system backend behind every
// fileharbor command that touches disk: atomic uploads via temp-file +
// rename, ranged reads, directory operations, listing, and manifests.
//
// Backend is stateless between calls; the concurrency safety callers get
// from it comes entirely from the file lock the registry holds during an
// upload and from POSIX positional read semantics during a download.
package fileops

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jeffvan302/fileharbor/internal/checksum"
	"github.com/jeffvan302/fileharbor/internal/ferrors"
)

// TempPrefix marks in-flight upload shadows so they're easy to spot and
// garbage-collect.
const TempPrefix = ".fharbor_tmp_"

// Backend performs filesystem operations. It holds no per-call state; the
// zero value is ready to use.
type Backend struct{}

// New returns a ready-to-use Backend.
func New() *Backend { return &Backend{} }

// TempPathFor derives the temp-file path an upload of absPath uses. The
// name is deterministic in absPath (no random component) so a PUT_START
// issued after a crash or disconnect relocates the same shadow file the
// registry's TransferState forgot about; concurrent uploads of the same
// target never collide on this name because the file lock (C6) admits
// only one uploader per path at a time.
func TempPathFor(absPath string) string {
	dir, name := filepath.Split(absPath)
	return filepath.Join(dir, TempPrefix+name)
}

// StartUpload prepares absPath to receive file_size bytes. If resume is
// true and the deterministic temp file already exists with size <=
// file_size, the upload continues from its current size; otherwise a
// fresh (possibly pre-existing, now truncated) temp file is used from 0.
func (b *Backend) StartUpload(absPath string, fileSize int64, resume bool) (tempPath string, resumeOffset int64, err error) {
	tempPath = TempPathFor(absPath)

	if resume {
		if info, statErr := os.Stat(tempPath); statErr == nil {
			offset := info.Size()
			if offset <= fileSize {
				return tempPath, offset, nil
			}
		}
	} else {
		if _, statErr := os.Stat(absPath); statErr == nil {
			return "", 0, ferrors.New(ferrors.KindFileExists, "file already exists: "+absPath)
		}
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return "", 0, ferrors.Wrap(ferrors.KindInternal, err, "failed to create parent directory")
	}

	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", 0, wrapDiskErr(err, "failed to create temp file")
	}
	if err := f.Close(); err != nil {
		return "", 0, wrapDiskErr(err, "failed to close temp file")
	}
	return tempPath, 0, nil
}

// WriteChunk writes data at offset in the temp file, then flushes and
// fsyncs before returning so an acknowledgement reflects durable bytes.
func (b *Backend) WriteChunk(tempPath string, offset int64, data []byte) (int, error) {
	f, err := os.OpenFile(tempPath, os.O_WRONLY, 0o644)
	if err != nil {
		return 0, ferrors.Wrap(ferrors.KindInternal, err, "failed to open temp file")
	}
	defer f.Close()

	n, err := f.WriteAt(data, offset)
	if err != nil {
		return n, wrapDiskErr(err, "failed to write chunk")
	}
	if err := f.Sync(); err != nil {
		return n, wrapDiskErr(err, "failed to sync chunk")
	}
	return n, nil
}

// CompleteUpload recomputes the temp file's SHA-256, and on a match
// rename-promotes it to finalPath (falling back to copy+delete across
// devices). On mismatch the temp file is removed and ChecksumMismatch is
// returned. Any failure after the rename (e.g. setting mtime) is surfaced
// but cannot be undone.
func (b *Backend) CompleteUpload(tempPath, finalPath, expectedChecksum string, mtime *time.Time) error {
	actual, err := checksum.File(tempPath)
	if err != nil {
		return ferrors.Wrap(ferrors.KindInternal, err, "failed to checksum temp file")
	}
	if !checksum.Equal(actual, expectedChecksum) {
		_ = os.Remove(tempPath)
		return ferrors.New(ferrors.KindChecksumMismatch,
			"expected "+expectedChecksum+" but computed "+actual)
	}

	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return ferrors.Wrap(ferrors.KindInternal, err, "failed to create destination directory")
	}

	if err := renameOrCopy(tempPath, finalPath); err != nil {
		return ferrors.Wrap(ferrors.KindInternal, err, "failed to promote temp file")
	}

	if mtime != nil {
		if err := os.Chtimes(finalPath, *mtime, *mtime); err != nil {
			return ferrors.Wrap(ferrors.KindInternal, err, "uploaded file renamed but failed to set mtime")
		}
	}
	return nil
}

// StartDownload reports the size and current whole-file digest of
// absPath.
func (b *Backend) StartDownload(absPath string) (size int64, sha256hex string, err error) {
	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, "", ferrors.New(ferrors.KindFileNotFound, "file not found: "+absPath)
		}
		return 0, "", ferrors.Wrap(ferrors.KindInternal, err, "failed to stat file")
	}
	if info.IsDir() {
		return 0, "", ferrors.New(ferrors.KindInvalidPath, "not a file: "+absPath)
	}
	sum, err := checksum.File(absPath)
	if err != nil {
		return 0, "", ferrors.Wrap(ferrors.KindInternal, err, "failed to checksum file")
	}
	return info.Size(), sum, nil
}

// ReadChunk reads up to size bytes at offset, returning fewer at EOF.
func (b *Backend) ReadChunk(absPath string, offset int64, size int) ([]byte, error) {
	f, err := os.Open(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ferrors.New(ferrors.KindFileNotFound, "file not found: "+absPath)
		}
		return nil, ferrors.Wrap(ferrors.KindInternal, err, "failed to open file")
	}
	defer f.Close()

	buf := make([]byte, size)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, ferrors.Wrap(ferrors.KindInternal, err, "failed to read chunk")
	}
	return buf[:n], nil
}

// Delete removes a single file. Deleting a non-existent path is reported
// as FileNotFound and leaves the filesystem unchanged.
func (b *Backend) Delete(absPath string) error {
	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return ferrors.New(ferrors.KindFileNotFound, "file not found: "+absPath)
		}
		return ferrors.Wrap(ferrors.KindInternal, err, "failed to stat file")
	}
	if info.IsDir() {
		return ferrors.New(ferrors.KindInvalidPath, "refusing to delete a directory: "+absPath)
	}
	if err := os.Remove(absPath); err != nil {
		return ferrors.Wrap(ferrors.KindInternal, err, "failed to delete file")
	}
	return nil
}

// Rename moves srcAbs to dstAbs. dstAbs must not already exist.
func (b *Backend) Rename(srcAbs, dstAbs string) error {
	if _, err := os.Stat(srcAbs); err != nil {
		if os.IsNotExist(err) {
			return ferrors.New(ferrors.KindFileNotFound, "source not found: "+srcAbs)
		}
		return ferrors.Wrap(ferrors.KindInternal, err, "failed to stat source")
	}
	if _, err := os.Stat(dstAbs); err == nil {
		return ferrors.New(ferrors.KindFileExists, "destination already exists: "+dstAbs)
	}
	if err := os.MkdirAll(filepath.Dir(dstAbs), 0o755); err != nil {
		return ferrors.Wrap(ferrors.KindInternal, err, "failed to create destination directory")
	}
	if err := renameOrCopy(srcAbs, dstAbs); err != nil {
		return ferrors.Wrap(ferrors.KindInternal, err, "failed to rename")
	}
	return nil
}

// Mkdir creates a directory. It fails FileExists if anything already
// exists at the path.
func (b *Backend) Mkdir(absPath string) error {
	if _, err := os.Stat(absPath); err == nil {
		return ferrors.New(ferrors.KindFileExists, "already exists: "+absPath)
	}
	if err := os.MkdirAll(absPath, 0o755); err != nil {
		return ferrors.Wrap(ferrors.KindInternal, err, "failed to create directory")
	}
	return nil
}

// Rmdir removes a directory. A non-empty directory is DirectoryNotEmpty
// unless recursive is set.
func (b *Backend) Rmdir(absPath string, recursive bool) error {
	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return ferrors.New(ferrors.KindFileNotFound, "directory not found: "+absPath)
		}
		return ferrors.Wrap(ferrors.KindInternal, err, "failed to stat directory")
	}
	if !info.IsDir() {
		return ferrors.New(ferrors.KindInvalidPath, "not a directory: "+absPath)
	}

	entries, err := os.ReadDir(absPath)
	if err != nil {
		return ferrors.Wrap(ferrors.KindInternal, err, "failed to read directory")
	}
	if len(entries) == 0 {
		if err := os.Remove(absPath); err != nil {
			return ferrors.Wrap(ferrors.KindInternal, err, "failed to remove directory")
		}
		return nil
	}
	if !recursive {
		return ferrors.New(ferrors.KindDirectoryNotEmpty, "directory not empty: "+absPath)
	}
	if err := os.RemoveAll(absPath); err != nil {
		return ferrors.Wrap(ferrors.KindInternal, err, "failed to remove directory tree")
	}
	return nil
}

// Exists reports whether anything exists at absPath.
func (b *Backend) Exists(absPath string) bool {
	_, err := os.Stat(absPath)
	return err == nil
}

// Checksum returns the SHA-256 of the file at absPath.
func (b *Backend) Checksum(absPath string) (string, error) {
	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ferrors.New(ferrors.KindFileNotFound, "file not found: "+absPath)
		}
		return "", ferrors.Wrap(ferrors.KindInternal, err, "failed to stat file")
	}
	if info.IsDir() {
		return "", ferrors.New(ferrors.KindInvalidPath, "not a file: "+absPath)
	}
	return checksum.File(absPath)
}

// Info is the server-side equivalent of protocol.FileInfo, independent of
// the wire package so this backend has no protocol import.
type Info struct {
	RelativePath string
	Size         int64
	ChecksumHex  string
	IsDirectory  bool
	ModifiedTime time.Time
	CreatedTime  time.Time
}

// Stat returns Info for a single path.
func (b *Backend) Stat(absPath, libraryRoot string) (Info, error) {
	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, ferrors.New(ferrors.KindFileNotFound, "file not found: "+absPath)
		}
		return Info{}, ferrors.Wrap(ferrors.KindInternal, err, "failed to stat file")
	}
	return b.toInfo(absPath, libraryRoot, info, false), nil
}

// List lists absPath's contents. checksums is false for a plain listing
// (FileInfo.Checksum == "") and true for a manifest.
func (b *Backend) List(absPath, libraryRoot string, recursive, checksums bool) ([]Info, error) {
	top, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ferrors.New(ferrors.KindFileNotFound, "directory not found: "+absPath)
		}
		return nil, ferrors.Wrap(ferrors.KindInternal, err, "failed to stat directory")
	}
	if !top.IsDir() {
		return nil, ferrors.New(ferrors.KindInvalidPath, "not a directory: "+absPath)
	}

	var out []Info
	walk := func(path string, d os.DirEntry) error {
		info, err := d.Info()
		if err != nil {
			return nil // vanished between readdir and stat; skip
		}
		out = append(out, b.toInfo(path, libraryRoot, info, checksums))
		return nil
	}

	if recursive {
		err = filepath.WalkDir(absPath, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if path == absPath {
				return nil
			}
			return walk(path, d)
		})
	} else {
		var entries []os.DirEntry
		entries, err = os.ReadDir(absPath)
		if err == nil {
			for _, d := range entries {
				if walkErr := walk(filepath.Join(absPath, d.Name()), d); walkErr != nil {
					err = walkErr
					break
				}
			}
		}
	}
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindInternal, err, "failed to list directory")
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].IsDirectory != out[j].IsDirectory {
			return !out[i].IsDirectory // files before directories; see DESIGN.md
		}
		return out[i].RelativePath < out[j].RelativePath
	})
	return out, nil
}

// Manifest is List(absPath, root, recursive=true, checksums=true).
func (b *Backend) Manifest(absPath, libraryRoot string) ([]Info, error) {
	return b.List(absPath, libraryRoot, true, true)
}

func (b *Backend) toInfo(absPath, libraryRoot string, info os.FileInfo, withChecksum bool) Info {
	rel, err := filepath.Rel(libraryRoot, absPath)
	if err != nil {
		rel = absPath
	}

	fi := Info{
		RelativePath: rel,
		IsDirectory:  info.IsDir(),
		ModifiedTime: info.ModTime(),
		CreatedTime:  info.ModTime(), // platform-portable approximation; see DESIGN.md
	}
	if !info.IsDir() {
		fi.Size = info.Size()
		if withChecksum {
			if sum, err := checksum.File(absPath); err == nil {
				fi.ChecksumHex = sum
			}
		}
	}
	return fi
}

func wrapDiskErr(err error, msg string) error {
	if isDiskFull(err) {
		return ferrors.Wrap(ferrors.KindDiskFull, err, msg)
	}
	return ferrors.Wrap(ferrors.KindInternal, err, msg)
}

func renameOrCopy(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	// Cross-device fallback: copy + delete.
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
