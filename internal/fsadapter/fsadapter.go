// Package fsadapter holds the pure filesystem operations fssync performs
// against the local tree: writing, renaming, removing files, and reading a
// file while simultaneously compressing and hashing its contents. None of
// these functions hold state; they operate purely on the paths given them.
package fsadapter

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/fssync/fssync/internal/logging"
)

// EnsureParent idempotently creates the parent directory of path, mirroring
// "mkdir -p". It only fails for genuine errors, never because the
// directory already exists.
func EnsureParent(path string) error {
	parent := filepath.Dir(path)
	if parent == "." || parent == string(filepath.Separator) {
		return nil
	}
	if err := os.MkdirAll(parent, 0o777); err != nil {
		return errors.Wrapf(err, "unable to create parent directories for %q", path)
	}
	return nil
}

// Write overwrites path with bytes, creating any missing parent directories
// first. The write goes through a temp file in the same directory followed
// by a rename, so a concurrent reader sees either the old or the new
// content, never a partial write.
func Write(path string, content []byte) error {
	if err := EnsureParent(path); err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".fssync-tmp-*")
	if err != nil {
		return errors.Wrapf(err, "unable to create temp file for %q", path)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return errors.Wrapf(err, "unable to write temp file for %q", path)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrapf(err, "unable to close temp file for %q", path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrapf(err, "unable to rename temp file into place for %q", path)
	}
	return nil
}

// Rename moves old to new, creating the missing parent directories of new
// first. Fails on a missing source or a cross-device rename the OS refuses.
func Rename(oldPath, newPath string) error {
	if err := EnsureParent(newPath); err != nil {
		return err
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return errors.Wrapf(err, "unable to rename %q to %q", oldPath, newPath)
	}
	return nil
}

// Remove deletes path. Fails if the path is already absent.
func Remove(path string) error {
	if err := os.Remove(path); err != nil {
		return errors.Wrapf(err, "unable to remove %q", path)
	}
	return nil
}

// ReadAndCompress reads path, frames it through a streaming zstd compressor,
// and computes the 64-bit xxhash of the uncompressed bytes as they are read.
// The hash is deterministic for identical byte content on any node running
// this same function.
func ReadAndCompress(path string) (compressed []byte, contentHash uint64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "unable to open %q for reading", path)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			logging.Errorf(path, "failed to close file after read: %v", cerr)
		}
	}()

	hasher := xxhash.New()
	tee := io.TeeReader(f, hasher)

	var out bytes.Buffer
	w, err := zstd.NewWriter(&out)
	if err != nil {
		return nil, 0, errors.Wrap(err, "unable to create zstd writer")
	}
	if _, err := io.Copy(w, tee); err != nil {
		_ = w.Close()
		return nil, 0, errors.Wrapf(err, "unable to compress %q", path)
	}
	if err := w.Close(); err != nil {
		return nil, 0, errors.Wrapf(err, "unable to flush zstd writer for %q", path)
	}
	return out.Bytes(), hasher.Sum64(), nil
}

// Decompress reverses ReadAndCompress's framing, returning the original
// uncompressed bytes.
func Decompress(compressed []byte) ([]byte, error) {
	r, err := zstd.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, errors.Wrap(err, "unable to create zstd reader")
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "unable to decompress content")
	}
	return out, nil
}

// LocalHash reads path and computes the same 64-bit hash ReadAndCompress
// computes, without producing a compressed copy.
func LocalHash(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrapf(err, "unable to open %q for hashing", path)
	}
	defer f.Close()

	hasher := xxhash.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return 0, errors.Wrapf(err, "unable to read %q for hashing", path)
	}
	return hasher.Sum64(), nil
}

// FormatHash renders a 64-bit hash as the decimal ASCII string stored in
// the broker.
func FormatHash(h uint64) string {
	return strconv.FormatUint(h, 10)
}

// ParseHash parses the decimal ASCII hash string stored in the broker.
func ParseHash(s string) (uint64, error) {
	h, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "unable to parse hash %q", s)
	}
	return h, nil
}
