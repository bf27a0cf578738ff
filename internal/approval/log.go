package approval

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/basket/smolclaw/internal/shared"
)

// recordLog is the JSONL file behind the queue: appended on enqueue and
// rewritten wholesale through a temp file on every status change. Callers
// serialize access.
type recordLog struct {
	path   string
	logger *slog.Logger
}

// readAll returns every record in file order. A missing file is empty.
// Lines that do not decode are skipped and logged.
func (l *recordLog) readAll() ([]Record, error) {
	if l.path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("approval: read %s: %w", l.path, err)
	}

	var out []Record
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(line, &r); err != nil || r.ID == "" {
			l.logger.Warn("approval: skipping unreadable record", "path", l.path, "line", lineNo, "error", err)
			continue
		}
		out = append(out, r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("approval: scan %s: %w", l.path, err)
	}
	return out, nil
}

// appendRecord writes one record at the end of the log.
func (l *recordLog) appendRecord(r Record) error {
	if l.path == "" {
		return nil
	}
	line, err := encodeLines([]Record{r})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("approval: mkdir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("approval: open %s: %w", l.path, err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("approval: append: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("approval: sync: %w", err)
	}
	return f.Close()
}

// rewrite replaces the whole log with recs.
func (l *recordLog) rewrite(recs []Record) error {
	if l.path == "" {
		return nil
	}
	data, err := encodeLines(recs)
	if err != nil {
		return err
	}
	if err := shared.WriteFileAtomic(l.path, data, 0o644); err != nil {
		return fmt.Errorf("approval: rewrite %s: %w", l.path, err)
	}
	return nil
}

func encodeLines(recs []Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			return nil, fmt.Errorf("approval: marshal %s: %w", r.ID, err)
		}
	}
	return buf.Bytes(), nil
}
