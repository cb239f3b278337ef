// Package storage keeps the admission history: an append-only JSONL journal
// on disk plus a short in-memory tail for the API.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgnsrekt/tabwarden/internal/relay"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultBufferSize = 256
	defaultTailSize   = 100
	defaultMaxSizeMB  = 50
)

// Record is one journal line.
type Record struct {
	ID      string          `json:"id"`
	Feed    string          `json:"feed"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

// RecordFromEvent converts a relay event into a journal record.
func RecordFromEvent(evt relay.Event) Record {
	payload := json.RawMessage(evt.Payload)
	if !json.Valid(payload) {
		payload, _ = json.Marshal(evt.Payload)
	}
	return Record{ID: evt.ID, Feed: evt.Feed, At: evt.At, Payload: payload}
}

// Journal writes records asynchronously to a size-rotated JSONL file.
type Journal struct {
	path    string
	writeCh chan Record
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once

	mu     sync.Mutex
	logger *lumberjack.Logger

	tailMu   sync.RWMutex
	tail     []Record
	tailSize int
}

// Option customises a Journal.
type Option func(*Journal)

// WithTailSize sets how many recent records Recent can return.
func WithTailSize(n int) Option {
	return func(j *Journal) {
		if n > 0 {
			j.tailSize = n
		}
	}
}

// OpenJournal starts a journal writing to path. An empty path keeps only the
// in-memory tail.
func OpenJournal(path string, maxSizeMB int, opts ...Option) (*Journal, error) {
	j := &Journal{
		path:     path,
		writeCh:  make(chan Record, defaultBufferSize),
		done:     make(chan struct{}),
		tailSize: defaultTailSize,
	}
	for _, opt := range opts {
		opt(j)
	}
	if maxSizeMB <= 0 {
		maxSizeMB = defaultMaxSizeMB
	}
	if path != "" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("storage: create journal dir: %w", err)
			}
		}
		j.logger = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: 10,
			MaxAge:     30,
			Compress:   false,
			LocalTime:  false,
		}
		slog.Info("journal opened", "file", path)
	}

	j.wg.Add(1)
	go j.writeLoop()
	return j, nil
}

// Write queues a record for async writing.
func (j *Journal) Write(rec Record) error {
	select {
	case <-j.done:
		return fmt.Errorf("journal is closed")
	default:
	}
	j.remember(rec)
	select {
	case j.writeCh <- rec:
		return nil
	case <-j.done:
		return fmt.Errorf("journal is closed")
	default:
		slog.Warn("journal buffer full, dropping record", "feed", rec.Feed)
		return fmt.Errorf("buffer full")
	}
}

// Follow subscribes to broker and journals every event until ctx ends.
func (j *Journal) Follow(ctx context.Context, broker *relay.Broker) {
	id, ch := broker.Subscribe()
	defer broker.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return
		case <-j.done:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := j.Write(RecordFromEvent(evt)); err != nil {
				slog.Debug("journal write failed", "feed", evt.Feed, "error", err)
			}
		}
	}
}

// Recent returns up to n of the newest records, oldest first. n <= 0 means
// the whole tail.
func (j *Journal) Recent(n int) []Record {
	j.tailMu.RLock()
	defer j.tailMu.RUnlock()
	if n <= 0 || n > len(j.tail) {
		n = len(j.tail)
	}
	out := make([]Record, n)
	copy(out, j.tail[len(j.tail)-n:])
	return out
}

// Close stops the writer and flushes pending records.
func (j *Journal) Close() error {
	var err error
	j.once.Do(func() {
		close(j.done)

		timeout := time.After(5 * time.Second)
	drain:
		for {
			select {
			case rec := <-j.writeCh:
				j.writeRecord(rec)
			case <-timeout:
				slog.Warn("journal close timeout, some records may be lost")
				break drain
			default:
				break drain
			}
		}
		j.wg.Wait()

		j.mu.Lock()
		defer j.mu.Unlock()
		if j.logger != nil {
			err = j.logger.Close()
		}
	})
	return err
}

func (j *Journal) remember(rec Record) {
	j.tailMu.Lock()
	defer j.tailMu.Unlock()
	j.tail = append(j.tail, rec)
	if over := len(j.tail) - j.tailSize; over > 0 {
		j.tail = append(j.tail[:0], j.tail[over:]...)
	}
}

func (j *Journal) writeLoop() {
	defer j.wg.Done()
	for {
		select {
		case rec := <-j.writeCh:
			j.writeRecord(rec)
		case <-j.done:
			return
		}
	}
}

func (j *Journal) writeRecord(rec Record) {
	if j.logger == nil {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		slog.Error("journal marshal failed", "error", err, "feed", rec.Feed)
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.logger.Write(append(data, '\n')); err != nil {
		slog.Error("journal write failed", "error", err, "feed", rec.Feed)
	}
}
