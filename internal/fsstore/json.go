package fsstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ReadJSON loads path into out. A missing or empty file is not an
// error; the bool reports whether anything was decoded.
func ReadJSON(path string, out any) (bool, error) {
	p, err := normalizePath(path)
	if err != nil {
		return false, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read json %s: %w", p, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("%w: decode %s: %v", ErrDecodeFailed, p, err)
	}
	return true, nil
}

// WriteJSONAtomic marshals v (indented, trailing newline) and installs
// it at path via temp file + rename, so readers never see a torn write.
func WriteJSONAtomic(path string, v any, opts FileOptions) error {
	p, err := normalizePath(path)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrEncodeFailed, p, err)
	}
	return writeAtomic(p, append(data, '\n'), opts)
}

func writeAtomic(path string, content []byte, opts FileOptions) error {
	opts = opts.withDefaults()

	dir := filepath.Dir(path)
	if err := EnsureDir(dir, opts.DirPerm); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("%w: create temp for %s: %v", ErrAtomicWriteFailed, path, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	step := func(name string, fn func() error) error {
		if err := fn(); err != nil {
			return fmt.Errorf("%w: %s temp for %s: %v", ErrAtomicWriteFailed, name, path, err)
		}
		return nil
	}
	if err := step("write", func() error { _, err := tmp.Write(content); return err }); err != nil {
		return err
	}
	if err := step("sync", tmp.Sync); err != nil {
		return err
	}
	if err := step("chmod", func() error { return tmp.Chmod(opts.FilePerm) }); err != nil {
		return err
	}
	if err := step("close", tmp.Close); err != nil {
		return err
	}
	if err := step("rename", func() error { return os.Rename(tmpPath, path) }); err != nil {
		return err
	}

	// Sync the directory so the rename survives a crash; failure here
	// does not invalidate the write.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
