package fsstore

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// JSONLWriter appends one JSON document per line to a log file,
// rotating it to a timestamped sibling once it would exceed the size
// cap.
type JSONLWriter struct {
	path string
	opts JSONLOptions

	mu     sync.Mutex
	file   *os.File
	buf    *bufio.Writer
	size   int64
	closed bool

	now func() time.Time // stubbed in tests
}

func NewJSONLWriter(path string, opts JSONLOptions) (*JSONLWriter, error) {
	p, err := normalizePath(path)
	if err != nil {
		return nil, err
	}
	w := &JSONLWriter{path: p, opts: opts.withDefaults(), now: time.Now}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *JSONLWriter) AppendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: jsonl encode %s: %v", ErrEncodeFailed, w.path, err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.append(append(data, '\n'))
}

func (w *JSONLWriter) AppendLine(line string) error {
	if strings.ContainsRune(line, '\n') {
		return fmt.Errorf("%w: line contains newline", ErrInvalidPath)
	}
	line = strings.TrimSuffix(line, "\r")
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.append(append([]byte(line), '\n'))
}

func (w *JSONLWriter) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.buf != nil {
		_ = w.buf.Flush()
	}
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file, w.buf, w.size = nil, nil, 0
	return err
}

// append assumes w.mu is held.
func (w *JSONLWriter) append(data []byte) error {
	if w.closed {
		return fmt.Errorf("jsonl writer closed")
	}
	if w.opts.RotateMaxBytes > 0 && w.size+int64(len(data)) > w.opts.RotateMaxBytes {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	n, err := w.buf.Write(data)
	if err != nil {
		return err
	}
	w.size += int64(n)
	if w.opts.FlushEachWrite || w.opts.SyncEachWrite {
		if err := w.buf.Flush(); err != nil {
			return err
		}
	}
	if w.opts.SyncEachWrite {
		return w.file.Sync()
	}
	return nil
}

// rotate renames the current file to <path>.<utc timestamp>, appending
// a numeric suffix on collision, then reopens a fresh file.
func (w *JSONLWriter) rotate() error {
	if w.buf != nil {
		_ = w.buf.Flush()
	}
	if w.file != nil {
		_ = w.file.Close()
	}

	base := w.path + "." + w.now().UTC().Format("20060102T150405Z")
	target := base
	for i := 1; ; i++ {
		_, err := os.Stat(target)
		if errors.Is(err, os.ErrNotExist) {
			break
		}
		if err != nil {
			return err
		}
		target = fmt.Sprintf("%s.%d", base, i)
	}
	if err := os.Rename(w.path, target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	w.file, w.buf, w.size = nil, nil, 0
	return w.open()
}

func (w *JSONLWriter) open() error {
	if err := EnsureDir(filepath.Dir(w.path), w.opts.DirPerm); err != nil {
		return err
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, w.opts.FilePerm)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	w.file = f
	w.buf = bufio.NewWriterSize(f, 64*1024)
	w.size = info.Size()
	return nil
}
