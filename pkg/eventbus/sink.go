package eventbus

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
)

// Sink persists events outside the process. Sink failures never affect
// in-memory delivery.
type Sink interface {
	Write(ctx context.Context, e Event) error
	Close() error
}

// FileSink appends one JSON object per line to a file.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileSink opens (or creates) an append-only JSON Lines log.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log %q: %w", path, err)
	}
	return &FileSink{file: f}, nil
}

func (s *FileSink) Write(_ context.Context, e Event) error {
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.file.Write(append(line, '\n'))
	return err
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// ReadLog parses a JSON Lines event log written by FileSink. Malformed lines
// are skipped and counted.
func ReadLog(path string) ([]Event, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = f.Close() }()

	var (
		events  []Event
		skipped int
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			skipped++
			continue
		}
		events = append(events, e)
	}
	return events, skipped, scanner.Err()
}

// MultiSink fans an event out to several sinks.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink combines sinks; nil entries are ignored.
func NewMultiSink(sinks ...Sink) *MultiSink {
	m := &MultiSink{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

func (m *MultiSink) Write(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Write(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiSink) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AsyncSink moves writes to a background goroutine. When its buffer is full
// events are dropped for this sink only.
type AsyncSink struct {
	next    Sink
	ch      chan Event
	done    chan struct{}
	dropped atomic.Int64
	failed  atomic.Int64
	once    sync.Once
}

// NewAsyncSink wraps next with a buffer of the given size.
func NewAsyncSink(next Sink, buffer int) *AsyncSink {
	if buffer <= 0 {
		buffer = 256
	}
	s := &AsyncSink{
		next: next,
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *AsyncSink) loop() {
	defer close(s.done)
	for e := range s.ch {
		if err := s.next.Write(context.Background(), e); err != nil {
			s.failed.Add(1)
		}
	}
}

func (s *AsyncSink) Write(_ context.Context, e Event) (err error) {
	defer func() {
		// Write after Close.
		if recover() != nil {
			s.dropped.Add(1)
			err = errors.New("async sink closed")
		}
	}()
	select {
	case s.ch <- e:
		return nil
	default:
		s.dropped.Add(1)
		return nil
	}
}

// Dropped returns the number of events discarded because the buffer was full.
func (s *AsyncSink) Dropped() int64 { return s.dropped.Load() }

// Failed returns the number of writes the wrapped sink rejected.
func (s *AsyncSink) Failed() int64 { return s.failed.Load() }

// Close flushes buffered events and closes the wrapped sink.
func (s *AsyncSink) Close() error {
	s.once.Do(func() { close(s.ch) })
	<-s.done
	return s.next.Close()
}
