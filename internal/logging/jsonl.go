package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type frameEntry struct {
	Timestamp string          `json:"timestamp"`
	Direction string          `json:"direction"`
	Frame     json.RawMessage `json:"frame"`
}

// FrameLog appends protocol frames to a JSONL trace file. Useful when
// debugging adapter conversations; safe for concurrent writers.
type FrameLog struct {
	mu   sync.Mutex
	path string
}

func NewFrameLog(dir string) (*FrameLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FrameLog{path: filepath.Join(dir, "acp_frames.jsonl")}, nil
}

// Append records one frame. Errors are swallowed: tracing must never break
// the protocol conversation it observes.
func (l *FrameLog) Append(direction string, frame []byte) {
	if l == nil {
		return
	}
	raw := frame
	if !json.Valid(raw) {
		quoted, err := json.Marshal(string(frame))
		if err != nil {
			return
		}
		raw = quoted
	}
	entry := frameEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Direction: direction,
		Frame:     raw,
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	file, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer file.Close()
	file.Write(append(payload, '\n'))
}
