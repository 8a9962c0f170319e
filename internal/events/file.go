package events

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"agentpm/internal/domain"
)

// FileSink appends events as JSON lines. Seq numbers continue from the
// lines already present when the file is opened.
type FileSink struct {
	path string
	mu   sync.Mutex
	file *os.File
	seq  int64
}

func OpenFileSink(path string) (*FileSink, error) {
	existing, err := readLines(path)
	if err != nil {
		return nil, err
	}
	var seq int64
	for _, e := range existing {
		if e.Seq > seq {
			seq = e.Seq
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening event file: %w", err)
	}
	return &FileSink{path: path, file: f, seq: seq}, nil
}

func (s *FileSink) Persist(ctx context.Context, evt domain.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return os.ErrClosed
	}
	evt.Seq = s.seq + 1
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	data = append(data, '\n')
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	s.seq = evt.Seq
	return nil
}

// Query scans the file and returns matching events in persist order.
func (s *FileSink) Query(ctx context.Context, f Filter) ([]domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	all, err := readLines(s.path)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	var res []domain.Event
	for _, e := range all {
		if f.Match(e) {
			res = append(res, e)
		}
	}
	return f.window(res), nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	if err != nil {
		return fmt.Errorf("closing event file: %w", err)
	}
	return nil
}

func readLines(path string) ([]domain.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening event file for reading: %w", err)
	}
	defer func() { _ = f.Close() }()

	var res []domain.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e domain.Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue // torn write
		}
		res = append(res, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning event file: %w", err)
	}
	return res, nil
}
