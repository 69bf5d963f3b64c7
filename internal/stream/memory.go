package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sandonleejacobs/rulestream/internal/types"
)

// MemorySource is an in-process partitioned log. Records keep their
// position across Restart so redelivery after a crash can be exercised.
type MemorySource struct {
	mu        sync.Mutex
	topic     string
	subject   types.Subject
	logs      [][]types.Record
	next      []int
	committed []int64
	history   [][]int64
	signal    chan struct{}

	// OnCommit, when set, runs after every successful commit.
	OnCommit func(partition int32, offset int64)
}

// NewMemorySource creates a source with the given partition count.
func NewMemorySource(topic string, subject types.Subject, partitions int) *MemorySource {
	s := &MemorySource{
		topic:     topic,
		subject:   subject,
		logs:      make([][]types.Record, partitions),
		next:      make([]int, partitions),
		committed: make([]int64, partitions),
		history:   make([][]int64, partitions),
		signal:    make(chan struct{}),
	}
	for i := range s.committed {
		s.committed[i] = -1
	}
	return s
}

// Append adds rec to the end of its partition and returns its offset.
func (s *MemorySource) Append(rec types.Record) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := rec.Partition
	rec.Topic = s.topic
	if rec.Subject == "" {
		rec.Subject = s.subject
	}
	rec.Offset = int64(len(s.logs[p]))
	s.logs[p] = append(s.logs[p], rec)

	close(s.signal)
	s.signal = make(chan struct{})
	return rec.Offset
}

// Partitions returns every partition id.
func (s *MemorySource) Partitions() []int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int32, len(s.logs))
	for i := range out {
		out[i] = int32(i)
	}
	return out
}

// Fetch returns up to max records after the last fetched one, waiting until
// ctx ends when none are available.
func (s *MemorySource) Fetch(ctx context.Context, partition int32, max int) ([]types.Record, error) {
	for {
		s.mu.Lock()
		if int(partition) >= len(s.logs) {
			s.mu.Unlock()
			return nil, fmt.Errorf("unknown partition %d", partition)
		}
		log, next := s.logs[partition], s.next[partition]
		if next < len(log) {
			end := next + max
			if end > len(log) {
				end = len(log)
			}
			out := append([]types.Record(nil), log[next:end]...)
			s.next[partition] = end
			s.mu.Unlock()
			return out, nil
		}
		signal := s.signal
		s.mu.Unlock()

		select {
		case <-signal:
		case <-ctx.Done():
			return nil, nil
		}
	}
}

// Commit records offset as processed. Offsets must strictly increase.
func (s *MemorySource) Commit(_ context.Context, partition int32, offset int64) error {
	s.mu.Lock()
	if offset <= s.committed[partition] {
		s.mu.Unlock()
		return fmt.Errorf("commit offset %d not after %d on partition %d", offset, s.committed[partition], partition)
	}
	s.committed[partition] = offset
	s.history[partition] = append(s.history[partition], offset)
	hook := s.OnCommit
	s.mu.Unlock()

	if hook != nil {
		hook(partition, offset)
	}
	return nil
}

// Restart rewinds delivery to the first uncommitted record of every partition.
func (s *MemorySource) Restart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.next {
		s.next[i] = int(s.committed[i] + 1)
	}
}

// Seek moves the committed offset of partition back to offset-1 and rewinds
// delivery to offset, as a consumer group reset would.
func (s *MemorySource) Seek(partition int32, offset int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed[partition] = offset - 1
	s.next[partition] = int(offset)
}

// Committed returns the last committed offset of partition, or -1.
func (s *MemorySource) Committed(partition int32) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed[partition]
}

// Commits returns every committed offset of partition in commit order.
func (s *MemorySource) Commits(partition int32) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.history[partition]...)
}

var errSinkUnavailable = errors.New("sink unavailable")

// MemorySink collects emitted records. It is idempotent per record
// position: a replayed (subject, topic, partition, offset) is acknowledged
// without being stored twice.
type MemorySink struct {
	mu       sync.Mutex
	records  []types.Record
	seen     map[string]struct{}
	failNext int
	attempts int
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{seen: make(map[string]struct{})}
}

// FailNext makes the next n Emit calls fail.
func (s *MemorySink) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// Emit stores rec unless its position was already stored.
func (s *MemorySink) Emit(_ context.Context, rec types.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts++
	if s.failNext > 0 {
		s.failNext--
		return errSinkUnavailable
	}
	if _, dup := s.seen[rec.DedupeKey()]; dup {
		return nil
	}
	s.seen[rec.DedupeKey()] = struct{}{}
	s.records = append(s.records, rec)
	return nil
}

// Records returns the stored records in emission order.
func (s *MemorySink) Records() []types.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Record(nil), s.records...)
}

// Attempts returns how many times Emit was called.
func (s *MemorySink) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Has reports whether the record at this position was stored.
func (s *MemorySink) Has(subject types.Subject, topic string, partition int32, offset int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[types.Record{Subject: subject, Topic: topic, Partition: partition, Offset: offset}.DedupeKey()]
	return ok
}
