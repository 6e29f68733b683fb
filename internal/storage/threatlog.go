package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tracel/backend/internal/core"
)

const (
	threatFlushInterval = 250 * time.Millisecond
	threatQueueCapacity = 1024
	resetTimeout        = 2 * time.Second
)

// ThreatLog is the append-only JSON-lines file of THREAT records. A single
// writer goroutine owns the file handle and is fed through a buffered
// channel; everything else only touches the in-memory per-owner index.
type ThreatLog struct {
	path      string
	retention time.Duration
	logger    *log.Logger

	mu    sync.RWMutex
	index map[string][]*core.ThreatRecord // oldest-first per owner

	queue     chan logOp
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type logOp struct {
	rec   *core.ThreatRecord
	reset bool
	ack   chan struct{}
}

// OpenThreatLog loads the file at path, skipping malformed lines and
// dropping records past retention, rewrites it with only the survivors
// (tmp + rename), and starts the writer. Survivors are returned oldest-first
// so the caller can hydrate the memory ring in push order.
func OpenThreatLog(path string, retention time.Duration) (*ThreatLog, []*core.ThreatRecord, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("threat log dir: %w", err)
		}
	}

	tl := &ThreatLog{
		path:      path,
		retention: retention,
		logger:    log.New(log.Writer(), "[THREATLOG] ", log.LstdFlags),
		index:     make(map[string][]*core.ThreatRecord),
		queue:     make(chan logOp, threatQueueCapacity),
		done:      make(chan struct{}),
	}

	survivors, err := tl.loadAndCompact()
	if err != nil {
		return nil, nil, err
	}
	for _, rec := range survivors {
		tl.index[rec.OwnerID] = append(tl.index[rec.OwnerID], rec)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("threat log open: %w", err)
	}

	tl.wg.Add(1)
	go tl.run(f)

	tl.logger.Printf("✅ loaded %d threat records from %s", len(survivors), path)
	return tl, survivors, nil
}

// loadAndCompact reads the file forward and rewrites it atomically with the
// surviving records. Re-marshaling our own output is byte-stable, so loading
// an already-compact file and rewriting it leaves the bytes unchanged.
func (tl *ThreatLog) loadAndCompact() ([]*core.ThreatRecord, error) {
	f, err := os.Open(tl.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("threat log read: %w", err)
	}

	cutoff := time.Now().Add(-tl.retention)
	var survivors []*core.ThreatRecord

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec core.ThreatRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			threatMalformedLines.Inc()
			continue
		}
		if rec.Timestamp.Before(cutoff) {
			continue
		}
		r := rec
		survivors = append(survivors, &r)
	}
	scanErr := scanner.Err()
	f.Close()
	if scanErr != nil {
		return nil, fmt.Errorf("threat log scan: %w", scanErr)
	}

	tmp := tl.path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("threat log compact: %w", err)
	}
	w := bufio.NewWriter(out)
	for _, rec := range survivors {
		line, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		out.Close()
		return nil, fmt.Errorf("threat log compact flush: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return nil, fmt.Errorf("threat log compact sync: %w", err)
	}
	out.Close()
	if err := os.Rename(tmp, tl.path); err != nil {
		return nil, fmt.Errorf("threat log compact rename: %w", err)
	}
	return survivors, nil
}

// run is the single writer. It owns the file and the bufio writer; nothing
// else writes to the file after OpenThreatLog returns.
func (tl *ThreatLog) run(f *os.File) {
	defer tl.wg.Done()

	w := bufio.NewWriter(f)
	ticker := time.NewTicker(threatFlushInterval)
	defer ticker.Stop()

	flush := func() {
		if err := w.Flush(); err != nil {
			tl.logger.Printf("⚠️ flush failed: %v", err)
		}
	}

	for {
		select {
		case op := <-tl.queue:
			tl.apply(op, f, w)
		case <-ticker.C:
			flush()
		case <-tl.done:
			for {
				select {
				case op := <-tl.queue:
					tl.apply(op, f, w)
				default:
					flush()
					f.Sync()
					f.Close()
					return
				}
			}
		}
	}
}

func (tl *ThreatLog) apply(op logOp, f *os.File, w *bufio.Writer) {
	if op.reset {
		// Discard anything buffered: the records it held are being wiped.
		w.Reset(io.Discard)
		if err := f.Truncate(0); err != nil {
			tl.logger.Printf("⚠️ truncate failed: %v", err)
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			tl.logger.Printf("⚠️ seek failed: %v", err)
		}
		w.Reset(f)
		if op.ack != nil {
			close(op.ack)
		}
		return
	}

	line, err := json.Marshal(op.rec)
	if err != nil {
		tl.logger.Printf("⚠️ marshal failed: %v", err)
		return
	}
	w.Write(line)
	w.WriteByte('\n')
}

// Append records a THREAT. The index is updated immediately so reads see it;
// the file write is queued and never blocks the caller. Overflow drops the
// file write, not the index entry.
func (tl *ThreatLog) Append(rec *core.ThreatRecord) {
	select {
	case <-tl.done:
		return
	default:
	}

	tl.mu.Lock()
	tl.index[rec.OwnerID] = append(tl.index[rec.OwnerID], rec)
	tl.mu.Unlock()

	select {
	case tl.queue <- logOp{rec: rec}:
		threatAppends.Inc()
	default:
		threatAppendDrops.Inc()
		tl.logger.Printf("⚠️ writer queue full, threat record not persisted")
	}
}

// Since returns the owner's threat records at or after the given time,
// newest-first, bounded by retention.
func (tl *ThreatLog) Since(owner string, since time.Time) []core.ThreatRecord {
	cutoff := time.Now().Add(-tl.retention)
	if since.Before(cutoff) {
		since = cutoff
	}
	tl.prune(owner, cutoff)

	tl.mu.RLock()
	defer tl.mu.RUnlock()

	recs := tl.index[owner]
	out := make([]core.ThreatRecord, 0, len(recs))
	// Appends are timestamp-ordered per owner, so scan backwards and stop at
	// the first record before the window.
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].Timestamp.Before(since) {
			break
		}
		out = append(out, *recs[i])
	}
	return out
}

// CountSince reports how many threat records fall at or after since.
func (tl *ThreatLog) CountSince(owner string, since time.Time) int64 {
	return int64(len(tl.Since(owner, since)))
}

// Earliest returns the oldest unexpired threat timestamp for the owner.
func (tl *ThreatLog) Earliest(owner string) *time.Time {
	tl.prune(owner, time.Now().Add(-tl.retention))

	tl.mu.RLock()
	defer tl.mu.RUnlock()

	recs := tl.index[owner]
	if len(recs) == 0 {
		return nil
	}
	ts := recs[0].Timestamp
	return &ts
}

// prune drops the expired prefix of an owner's slice.
func (tl *ThreatLog) prune(owner string, cutoff time.Time) {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	recs := tl.index[owner]
	i := 0
	for i < len(recs) && recs[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		tl.index[owner] = recs[i:]
	}
}

// Reset wipes the index and truncates the file, waiting for the writer to
// acknowledge so a subsequent read cannot see stale records.
func (tl *ThreatLog) Reset() error {
	tl.mu.Lock()
	tl.index = make(map[string][]*core.ThreatRecord)
	tl.mu.Unlock()

	ack := make(chan struct{})
	select {
	case tl.queue <- logOp{reset: true, ack: ack}:
	case <-time.After(resetTimeout):
		return errors.New("threat log writer unavailable")
	}
	select {
	case <-ack:
		return nil
	case <-time.After(resetTimeout):
		return errors.New("threat log reset timed out")
	}
}

// Close drains the queue, flushes, and closes the file. Safe to call twice.
func (tl *ThreatLog) Close() {
	tl.closeOnce.Do(func() {
		close(tl.done)
	})
	tl.wg.Wait()
}
