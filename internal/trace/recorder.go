// Package trace persists a per-session activity bundle for the offline trace
// viewer: a compressed event log, a compressed stream of joint-plan
// snapshots, and a manifest describing the layout.
package trace

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"ngi/plangame/internal/game"
	"ngi/plangame/internal/plan"
)

var bundleNameCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Manifest describes the trace bundle layout so tooling can locate artefacts.
type Manifest struct {
	Version    int    `json:"version"`
	BundleID   string `json:"bundle_id"`
	GameID     string `json:"game_id"`
	CreatedAt  string `json:"created_at"`
	EventsPath string `json:"events_path"`
	PlansPath  string `json:"plans_path"`
}

// Recorder streams one session's trace to disk. Events go to a snappy-framed
// JSONL log, plan snapshots to a zstd stream of length-prefixed JSON blobs.
type Recorder struct {
	mu        sync.Mutex
	dir       string
	now       func() time.Time
	eventFile *os.File
	eventSink *snappy.Writer
	planFile  *os.File
	planSink  *zstd.Encoder
	closed    bool
}

// NewRecorder prepares the bundle directory and opens the compressed sinks.
func NewRecorder(root, gameID string, clock func() time.Time) (*Recorder, Manifest, error) {
	if root == "" {
		return nil, Manifest{}, fmt.Errorf("trace root must be provided")
	}
	if clock == nil {
		clock = time.Now
	}
	cleaned := bundleNameCleaner.ReplaceAllString(gameID, "")
	if cleaned == "" {
		cleaned = "game"
	}
	created := clock().UTC()
	bundleID := uuid.NewString()
	folder := fmt.Sprintf("%s-%s", cleaned, created.Format("20060102T150405Z"))
	dir := filepath.Join(root, folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, Manifest{}, err
	}

	eventFile, err := os.Create(filepath.Join(dir, "events.jsonl.sz"))
	if err != nil {
		return nil, Manifest{}, err
	}
	planFile, err := os.Create(filepath.Join(dir, "plans.bin.zst"))
	if err != nil {
		eventFile.Close()
		return nil, Manifest{}, err
	}
	planSink, err := zstd.NewWriter(planFile)
	if err != nil {
		eventFile.Close()
		planFile.Close()
		return nil, Manifest{}, err
	}

	manifest := Manifest{
		Version:    1,
		BundleID:   bundleID,
		GameID:     gameID,
		CreatedAt:  created.Format(time.RFC3339Nano),
		EventsPath: "events.jsonl.sz",
		PlansPath:  "plans.bin.zst",
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Join(dir, "manifest.json"), data, 0o644)
	}
	if err != nil {
		planSink.Close()
		planFile.Close()
		eventFile.Close()
		return nil, Manifest{}, err
	}

	recorder := &Recorder{
		dir:       dir,
		now:       clock,
		eventFile: eventFile,
		eventSink: snappy.NewBufferedWriter(eventFile),
		planFile:  planFile,
		planSink:  planSink,
	}
	return recorder, manifest, nil
}

// Directory exposes the directory backing the bundle.
func (r *Recorder) Directory() string {
	if r == nil {
		return ""
	}
	return r.dir
}

// Event appends one notification to the compressed event log.
func (r *Recorder) Event(event game.Event) {
	if r == nil {
		return
	}
	captured := r.now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	//1.- One JSON object per line keeps the log streamable for the viewer.
	record := struct {
		CapturedAt string     `json:"captured_at"`
		Event      game.Event `json:"event"`
	}{CapturedAt: captured.Format(time.RFC3339Nano), Event: event}
	line, err := json.Marshal(record)
	if err != nil {
		return
	}
	if _, err := r.eventSink.Write(append(line, '\n')); err != nil {
		return
	}
	_ = r.eventSink.Flush()
}

// PlanSnapshot appends a length-prefixed joint-plan snapshot to the zstd
// stream so the viewer can step round by round.
func (r *Recorder) PlanSnapshot(round int, snap plan.Snapshot) {
	if r == nil {
		return
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	header := make([]byte, 8+4)
	binary.LittleEndian.PutUint64(header[0:8], uint64(round))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(payload)))
	if _, err := r.planSink.Write(header); err != nil {
		return
	}
	_, _ = r.planSink.Write(payload)
}

// Flush forces buffered data onto disk without closing the bundle.
func (r *Recorder) Flush() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if err := r.eventSink.Flush(); err != nil {
		return err
	}
	return r.planSink.Flush()
}

// Close flushes everything and releases the file handles. Safe to call twice.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	//1.- Attempt every flush/close and surface the first failure.
	var firstErr error
	if err := r.eventSink.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.eventFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.planSink.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.planFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
