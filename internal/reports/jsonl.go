package reports

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"indexerGateway/internal/model"
)

// JsonlSink appends query outcomes to a JSONL file.
type JsonlSink struct {
	path string
	mu   sync.Mutex
}

func NewJsonlSink(path string) *JsonlSink {
	return &JsonlSink{path: path}
}

// Report appends one outcome as a JSON line.
func (s *JsonlSink) Report(_ context.Context, outcome model.QueryOutcome) error {
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open output file: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	line, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	if _, err := writer.Write(line); err != nil {
		return fmt.Errorf("write outcome: %w", err)
	}
	if err := writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}

	if err := writer.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}
	return nil
}
