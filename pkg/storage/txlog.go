package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TxLog is an append-only record of accepted write requests, one JSON object per line
type TxLog interface {
	Append(event string, data any) error
}

type NopTxLog struct{}

func (NopTxLog) Append(string, any) error { return nil }

type txLogEntry struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Data      any    `json:"data"`
}

type FileTxLog struct {
	mu  sync.Mutex
	f   *os.File
	now func() time.Time
}

// OpenTxLog opens (or creates) the log file, creating its directory if needed
func OpenTxLog(path string) (*FileTxLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileTxLog{f: f, now: time.Now}, nil
}

func (w *FileTxLog) Append(event string, data any) error {
	line, err := json.Marshal(txLogEntry{
		Timestamp: w.now().UTC().Format(time.RFC3339),
		Event:     event,
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal tx log entry: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = fmt.Fprintln(w.f, string(line))
	return err
}

func (w *FileTxLog) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

var _ TxLog = NopTxLog{}
var _ TxLog = (*FileTxLog)(nil)
