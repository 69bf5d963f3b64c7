package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/sandonleejacobs/rulestream/internal/types"
)

/*
 * Per-partition dedup state.
 *
 * Entries live in an arena slice indexed by record key; a FIFO of
 * (slot, sequence) pairs gives insertion order for retention. Updating a key
 * bumps its sequence so older FIFO items for it become tombstones that are
 * skipped on eviction. Freed slots are reused.
 *
 * A key whose last emitted offset is at or above a replayed record's offset
 * already reached the sink, so the replay is not emitted again. Retention
 * is bounded by entry count and by record-time age relative to the newest
 * record seen.
 *
 * Snapshots are "xxh64:<hex>\n<json>"; a checksum or decode failure on
 * restore is types.ErrStateStoreCorruption.
 */

const snapshotVersion = 1

type dedupEntry struct {
	Key       string `json:"k"`
	Offset    int64  `json:"o"`
	Timestamp int64  `json:"t"` // unix ms of the record
	seq       uint64
	live      bool
}

type fifoItem struct {
	slot int
	seq  uint64
}

type dedupState struct {
	maxEntries int
	maxAge     time.Duration

	index  map[string]int
	arena  []dedupEntry
	free   []int
	fifo   []fifoItem
	seq    uint64
	newest int64
	dirty  bool
}

func newDedupState(maxEntries int, maxAge time.Duration) *dedupState {
	return &dedupState{
		maxEntries: maxEntries,
		maxAge:     maxAge,
		index:      make(map[string]int),
	}
}

func (d *dedupState) len() int { return len(d.index) }

// seen reports whether key was already emitted at or beyond offset.
func (d *dedupState) seen(key string, offset int64) bool {
	slot, ok := d.index[key]
	return ok && d.arena[slot].Offset >= offset
}

// record stores key as emitted at offset and applies retention.
func (d *dedupState) record(key string, offset int64, ts time.Time) {
	d.seq++
	ms := ts.UnixMilli()
	if slot, ok := d.index[key]; ok {
		e := &d.arena[slot]
		if offset > e.Offset {
			e.Offset = offset
		}
		e.Timestamp = ms
		e.seq = d.seq
		d.fifo = append(d.fifo, fifoItem{slot: slot, seq: d.seq})
	} else {
		var slot int
		if n := len(d.free); n > 0 {
			slot, d.free = d.free[n-1], d.free[:n-1]
		} else {
			slot = len(d.arena)
			d.arena = append(d.arena, dedupEntry{})
		}
		d.arena[slot] = dedupEntry{Key: key, Offset: offset, Timestamp: ms, seq: d.seq, live: true}
		d.index[key] = slot
		d.fifo = append(d.fifo, fifoItem{slot: slot, seq: d.seq})
	}
	if ms > d.newest {
		d.newest = ms
	}
	d.dirty = true
	d.evict()
}

func (d *dedupState) evict() {
	cutoff := int64(math.MinInt64)
	if d.maxAge > 0 {
		cutoff = d.newest - d.maxAge.Milliseconds()
	}
	for len(d.fifo) > 0 {
		item := d.fifo[0]
		e := &d.arena[item.slot]
		if !e.live || e.seq != item.seq {
			d.fifo = d.fifo[1:]
			continue
		}
		if len(d.index) <= d.maxEntries && e.Timestamp >= cutoff {
			break
		}
		delete(d.index, e.Key)
		e.live = false
		d.free = append(d.free, item.slot)
		d.fifo = d.fifo[1:]
	}
	// Compact once tombstones dominate so the FIFO stays proportional to live entries.
	if len(d.fifo) > 2*len(d.index)+64 {
		live := d.fifo[:0]
		for _, item := range d.fifo {
			if e := d.arena[item.slot]; e.live && e.seq == item.seq {
				live = append(live, item)
			}
		}
		d.fifo = live
	}
}

type snapshotBody struct {
	Version int          `json:"version"`
	Entries []dedupEntry `json:"entries"` // oldest first
}

// marshal encodes the live entries in retention order with a checksum header.
func (d *dedupState) marshal() ([]byte, error) {
	body := snapshotBody{Version: snapshotVersion, Entries: make([]dedupEntry, 0, len(d.index))}
	for _, item := range d.fifo {
		e := d.arena[item.slot]
		if e.live && e.seq == item.seq {
			body.Entries = append(body.Entries, e)
		}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode dedup snapshot: %w", err)
	}
	header := "xxh64:" + strconv.FormatUint(xxhash.Sum64(data), 16) + "\n"
	return append([]byte(header), data...), nil
}

// restoreDedup rebuilds state from a snapshot produced by marshal.
func restoreDedup(raw []byte, maxEntries int, maxAge time.Duration) (*dedupState, error) {
	header, data, ok := bytes.Cut(raw, []byte("\n"))
	if !ok || !bytes.HasPrefix(header, []byte("xxh64:")) {
		return nil, fmt.Errorf("%w: missing checksum header", types.ErrStateStoreCorruption)
	}
	want, err := strconv.ParseUint(string(header[len("xxh64:"):]), 16, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad checksum header: %v", types.ErrStateStoreCorruption, err)
	}
	if got := xxhash.Sum64(data); got != want {
		return nil, fmt.Errorf("%w: checksum %x, want %x", types.ErrStateStoreCorruption, got, want)
	}

	var body snapshotBody
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrStateStoreCorruption, err)
	}
	if body.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported snapshot version %d", types.ErrStateStoreCorruption, body.Version)
	}

	d := newDedupState(maxEntries, maxAge)
	for _, e := range body.Entries {
		d.record(e.Key, e.Offset, time.UnixMilli(e.Timestamp))
	}
	d.dirty = false
	return d, nil
}
