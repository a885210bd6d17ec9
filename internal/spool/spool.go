package spool

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"sl2influxdb/internal/logging"
)

const fileSuffix = ".batch"

// ErrNotFound is returned when deleting a batch that is not spooled.
var ErrNotFound = errors.New("batch not found in spool")

// zstdDec is a package-level decoder, concurrent-safe, always available for reads.
var zstdDec *zstd.Decoder

func init() {
	var err error
	zstdDec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic("zstd: init decoder: " + err.Error())
	}
}

type fileEntry struct {
	seq  uint64
	id   string // batch UUID, from file content at scan time
	path string
}

// Queue is a bounded durable holding area for failed batches. When the
// bound is reached the oldest batch is evicted to make room (drop-oldest).
type Queue struct {
	dir    string
	keep   int
	logger *slog.Logger
	enc    *zstd.Encoder

	mu      sync.Mutex
	nextSeq uint64
	files   []fileEntry // ordered oldest first
}

// Open scans dir for existing batch files and returns a queue bounded to
// keep pending batches. Files that fail to decode are skipped with a
// warning and removed; a damaged spool must never prevent startup.
func Open(dir string, keep int, logger *slog.Logger) (*Queue, error) {
	logger = logging.Default(logger).With("component", "spool")

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}

	q := &Queue{dir: dir, keep: keep, logger: logger, enc: enc}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan spool dir: %w", err)
	}

	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimSuffix(name, fileSuffix), 10, 64)
		if err != nil {
			logger.Warn("ignoring unrecognized spool file", "file", name)
			continue
		}

		path := filepath.Join(dir, name)
		b, err := readBatch(path)
		if err != nil {
			logger.Warn("removing corrupted spool file", "file", name, "error", err)
			_ = os.Remove(path)
			continue
		}

		q.files = append(q.files, fileEntry{seq: seq, id: b.ID.String(), path: path})
		if seq >= q.nextSeq {
			q.nextSeq = seq + 1
		}
	}

	sort.Slice(q.files, func(i, j int) bool { return q.files[i].seq < q.files[j].seq })

	if len(q.files) > 0 {
		logger.Info("spool opened", "pending", len(q.files), "keep", keep)
	}
	return q, nil
}

// Len returns the number of pending batches.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.files)
}

// Put persists a batch. If the queue is at its bound, the oldest pending
// batch is evicted first.
func (q *Queue) Put(b Batch) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.keep > 0 && len(q.files) >= q.keep {
		oldest := q.files[0]
		q.files = q.files[1:]
		if err := os.Remove(oldest.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("evict batch %s: %w", oldest.id, err)
		}
		q.logger.Warn("spool full, evicted oldest batch",
			"evicted", oldest.id,
			"keep", q.keep)
	}

	raw, err := msgpack.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode batch %s: %w", b.ID, err)
	}
	compressed := q.enc.EncodeAll(raw, nil)

	seq := q.nextSeq
	q.nextSeq++
	path := filepath.Join(q.dir, fmt.Sprintf("%016d%s", seq, fileSuffix))

	// Temp-file-then-rename so a crash mid-write never leaves a torn batch.
	tmp, err := os.CreateTemp(q.dir, ".spool-*")
	if err != nil {
		return fmt.Errorf("spool batch %s: %w", b.ID, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("spool batch %s: %w", b.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("spool batch %s: %w", b.ID, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("spool batch %s: %w", b.ID, err)
	}

	q.files = append(q.files, fileEntry{seq: seq, id: b.ID.String(), path: path})
	q.logger.Info("batch spooled",
		"batch", b.ID,
		"samples", len(b.Samples),
		"pending", len(q.files))
	return nil
}

// List returns all pending batches, oldest first. Corrupted files are
// dropped with a warning rather than failing the listing.
func (q *Queue) List() ([]Batch, error) {
	q.mu.Lock()
	files := make([]fileEntry, len(q.files))
	copy(files, q.files)
	q.mu.Unlock()

	batches := make([]Batch, 0, len(files))
	for _, fe := range files {
		b, err := readBatch(fe.path)
		if err != nil {
			q.logger.Warn("dropping corrupted spool file", "file", fe.path, "error", err)
			q.remove(fe.seq)
			continue
		}
		batches = append(batches, b)
	}
	return batches, nil
}

// remove drops a file entry by sequence and unlinks it.
func (q *Queue) remove(seq uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, fe := range q.files {
		if fe.seq == seq {
			q.files = append(q.files[:i], q.files[i+1:]...)
			_ = os.Remove(fe.path)
			return
		}
	}
}

// Delete removes a pending batch by id.
func (q *Queue) Delete(id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, fe := range q.files {
		if fe.id == id.String() {
			q.files = append(q.files[:i], q.files[i+1:]...)
			if err := os.Remove(fe.path); err != nil && !os.IsNotExist(err) {
				return err
			}
			return nil
		}
	}
	return ErrNotFound
}

// Purge removes all pending batches. Used when recovery is disabled.
func (q *Queue) Purge() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, fe := range q.files {
		if err := os.Remove(fe.path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	n := len(q.files)
	q.files = nil
	if n > 0 {
		q.logger.Info("spool purged", "discarded", n)
	}
	return nil
}

// readBatch loads and decodes one spool file.
func readBatch(path string) (Batch, error) {
	compressed, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Batch{}, err
	}
	raw, err := zstdDec.DecodeAll(compressed, nil)
	if err != nil {
		return Batch{}, fmt.Errorf("decompress: %w", err)
	}
	var b Batch
	if err := msgpack.Unmarshal(raw, &b); err != nil {
		return Batch{}, fmt.Errorf("decode: %w", err)
	}
	return b, nil
}
