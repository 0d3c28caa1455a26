// Package eventjournal implements the matching engine's durable,
// append-only event log: every accepted order, cancellation, rejection
// and trade is appended as one line-delimited JSON model.Event before
// the engine reports success, and the log is replayed on startup to
// reconstruct state after a crash.
package eventjournal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/orbitcex/matching-engine/internal/trading/model"
)

// EventJournal appends model.Events to a file and can replay them back.
// Every write is flushed before WriteEvent returns, so a crash never
// loses an acknowledged event.
type EventJournal struct {
	filePath string
	file     *os.File
	writer   *bufio.Writer

	mu       sync.Mutex
	sequence uint64

	log *zap.SugaredLogger
}

// NewEventJournal creates or opens an event journal file at path,
// appending to any existing content.
func NewEventJournal(log *zap.SugaredLogger, path string) (*EventJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("eventjournal: create directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventjournal: open file: %w", err)
	}
	return &EventJournal{
		filePath: path,
		file:     f,
		writer:   bufio.NewWriter(f),
		log:      log,
	}, nil
}

// NextSequence pre-increments and returns the journal's sequence
// counter, so the first event ever written has sequence 1.
func (ej *EventJournal) NextSequence() uint64 {
	ej.mu.Lock()
	defer ej.mu.Unlock()
	ej.sequence++
	return ej.sequence
}

// CurrentSequence returns the last sequence number handed out, without
// advancing it.
func (ej *EventJournal) CurrentSequence() uint64 {
	ej.mu.Lock()
	defer ej.mu.Unlock()
	return ej.sequence
}

// SetSequence forces the journal's sequence counter, used by the
// engine after loading a snapshot so subsequent NextSequence calls
// continue from where the snapshot left off.
func (ej *EventJournal) SetSequence(seq uint64) {
	ej.mu.Lock()
	defer ej.mu.Unlock()
	ej.sequence = seq
}

// WriteEvent appends event to the journal and flushes it to disk
// before returning.
func (ej *EventJournal) WriteEvent(event model.Event) error {
	ej.mu.Lock()
	defer ej.mu.Unlock()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("eventjournal: marshal event: %w", err)
	}
	if _, err := ej.writer.Write(data); err != nil {
		return fmt.Errorf("eventjournal: write event: %w", err)
	}
	if err := ej.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("eventjournal: write event: %w", err)
	}
	return ej.writer.Flush()
}

// ReplayFrom reads every event in the journal with Sequence greater
// than after, in order, invoking handler for each. Blank lines are
// skipped; lines that fail to unmarshal are skipped and logged, matching the
// reference engine's tolerant recovery behavior: a torn write at the
// tail of the log must never block recovery.
func (ej *EventJournal) ReplayFrom(after uint64, handler func(model.Event) error) error {
	ej.mu.Lock()
	if err := ej.writer.Flush(); err != nil {
		ej.log.Errorw("failed to flush journal before replay", "error", err)
	}
	ej.mu.Unlock()

	file, err := os.Open(ej.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("eventjournal: open for replay: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var maxSeq uint64
	count := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var event model.Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			ej.log.Errorw("skipping malformed journal line during replay", "error", err)
			continue
		}

		if event.Sequence <= after {
			continue
		}

		if err := handler(event); err != nil {
			return fmt.Errorf("eventjournal: handler error at sequence %d: %w", event.Sequence, err)
		}

		if event.Sequence > maxSeq {
			maxSeq = event.Sequence
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("eventjournal: scan journal: %w", err)
	}

	ej.mu.Lock()
	if maxSeq > ej.sequence {
		ej.sequence = maxSeq
	}
	ej.mu.Unlock()

	ej.log.Infow("journal replay complete", "events", count)
	return nil
}

// Close flushes and closes the underlying file.
func (ej *EventJournal) Close() error {
	ej.mu.Lock()
	defer ej.mu.Unlock()
	if err := ej.writer.Flush(); err != nil {
		return err
	}
	return ej.file.Close()
}
