package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/optionsflow/optionsflow/internal/domain"
)

// ReplayFeed drains a JSONL file of recorded events. Because window
// finalization is event-timestamp-driven, replaying a capture reproduces the
// live run's metrics exactly.
type ReplayFeed struct {
	file    *os.File
	scanner *bufio.Scanner
	line    int
}

// NewReplayFeed opens a capture file, one rawEvent JSON object per line.
func NewReplayFeed(path string) (*ReplayFeed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open replay file: %w", err)
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &ReplayFeed{file: f, scanner: sc}, nil
}

// Connect is a no-op for replay.
func (f *ReplayFeed) Connect(context.Context) error { return nil }

// Next returns the next recorded event, or io.EOF at end of capture.
func (f *ReplayFeed) Next(ctx context.Context) (domain.MarketEvent, error) {
	if err := ctx.Err(); err != nil {
		return domain.MarketEvent{}, err
	}
	for f.scanner.Scan() {
		f.line++
		line := f.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var raw rawEvent
		if err := json.Unmarshal(line, &raw); err != nil {
			return domain.MarketEvent{}, fmt.Errorf("replay line %d: %w", f.line, err)
		}
		return raw.toEvent(), nil
	}
	if err := f.scanner.Err(); err != nil {
		return domain.MarketEvent{}, fmt.Errorf("replay scan: %w", err)
	}
	return domain.MarketEvent{}, io.EOF
}

// Close releases the capture file.
func (f *ReplayFeed) Close() error {
	return f.file.Close()
}
