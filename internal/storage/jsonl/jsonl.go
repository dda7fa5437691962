// Package jsonl writes probing rows to a JSON Lines file for local
// development and debugging, and reads them back.
package jsonl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/zjrosen/probing/internal/storage"
)

// Record is one line of the file. This format is designed for easy parsing
// with jq and other JSON tools.
type Record struct {
	Table string          `json:"table"`
	Row   json.RawMessage `json:"row"`
}

// Writer appends rows to a JSONL file. It implements storage.Sink.
type Writer struct {
	file *os.File
	mu   sync.Mutex
}

var _ storage.Sink = (*Writer)(nil)

// NewWriter creates a writer for path. The file is created if it doesn't
// exist and appended to if it does. Parent directories are created
// automatically.
func NewWriter(path string) (*Writer, error) {
	cleanPath := filepath.Clean(path)

	dir := filepath.Dir(cleanPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create jsonl directory: %w", err)
	}

	file, err := os.OpenFile(cleanPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) // #nosec G304 -- path is cleaned above
	if err != nil {
		return nil, fmt.Errorf("open jsonl file: %w", err)
	}
	return &Writer{file: file}, nil
}

// Save writes row as a single line.
func (w *Writer) Save(row storage.Row) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode %s row: %w", row.Table(), err)
	}
	line, err := json.Marshal(Record{Table: row.Table(), Row: data})
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return os.ErrClosed
	}
	if _, err := w.file.Write(line); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// Close closes the file and releases resources.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		err := w.file.Close()
		w.file = nil
		return err
	}
	return nil
}

// ReadFile decodes every row in the file at path.
func ReadFile(path string) ([]storage.Row, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open jsonl file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Read(f)
}

// Read decodes rows from r. Lines of unknown tables are skipped.
func Read(r io.Reader) ([]storage.Row, error) {
	var rows []storage.Row
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return rows, fmt.Errorf("line %d: %w", line, err)
		}
		row, err := decodeRow(rec)
		if err != nil {
			return rows, fmt.Errorf("line %d: %w", line, err)
		}
		if row != nil {
			rows = append(rows, row)
		}
	}
	return rows, scanner.Err()
}

func decodeRow(rec Record) (storage.Row, error) {
	switch rec.Table {
	case storage.TableTraceEvents:
		var r storage.TraceEvent
		err := json.Unmarshal(rec.Row, &r)
		return r, err
	case storage.TableModuleTraces:
		var r storage.ModuleTrace
		err := json.Unmarshal(rec.Row, &r)
		return r, err
	case storage.TableVariables:
		var r storage.Variable
		err := json.Unmarshal(rec.Row, &r)
		return r, err
	default:
		return nil, nil
	}
}
