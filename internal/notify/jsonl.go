package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// JSONLSink appends every change to a JSON lines audit file.
type JSONLSink struct {
	path   string
	logger *zap.Logger
	mu     sync.Mutex
}

func NewJSONLSink(path string, logger *zap.Logger) *JSONLSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JSONLSink{path: path, logger: logger}
}

// Notify appends change. Errors are logged, not returned.
func (s *JSONLSink) Notify(_ context.Context, change Change) {
	if err := s.Append(change); err != nil {
		s.logger.Warn("append change failed", zap.String("path", s.path), zap.Error(err))
	}
}

// Append writes changes as JSON lines.
func (s *JSONLSink) Append(changes ...Change) error {
	if len(changes) == 0 {
		return nil
	}

	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create audit dir: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	for _, change := range changes {
		line, err := json.Marshal(change)
		if err != nil {
			return fmt.Errorf("marshal change: %w", err)
		}
		if _, err := writer.Write(line); err != nil {
			return fmt.Errorf("write change: %w", err)
		}
		if err := writer.WriteByte('\n'); err != nil {
			return fmt.Errorf("write newline: %w", err)
		}
	}

	if err := writer.Flush(); err != nil {
		return fmt.Errorf("flush audit file: %w", err)
	}
	return nil
}
