package deaddrop

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	droverErrors "github.com/harunnryd/drover/internal/errors"
)

// RoomEntry is one row of a room's durable, ordered log.
type RoomEntry struct {
	Seq     int64   `json:"seq"`
	Message Message `json:"message"`
}

// Bus is the server-side deaddrop state: per-identity inbox queues that
// are consumed on poll, and per-room append-only logs read by cursor.
// Everything is JSONL on disk so a restarted server picks up where it
// left off.
type Bus struct {
	basePath string
	mu       sync.Mutex
	inboxes  map[string]*inbox
	rooms    map[string]*roomLog
}

func NewBus(basePath string) (*Bus, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create deaddrop dir: %w", err)
	}
	return &Bus{
		basePath: basePath,
		inboxes:  make(map[string]*inbox),
		rooms:    make(map[string]*roomLog),
	}, nil
}

// Send delivers msg to its inbox target and/or appends it to its room log.
// A message with neither target is undeliverable and rejected.
func (b *Bus) Send(namespace string, msg Message) error {
	if namespace == "" {
		return droverErrors.InvalidInput("namespace is empty")
	}
	if msg.To == "" && msg.Room == "" {
		return droverErrors.InvalidInput("message has no deliverable target")
	}

	if msg.To != "" {
		if err := b.inboxFor(namespace, msg.To).append(msg); err != nil {
			return err
		}
	}
	if msg.Room != "" {
		if _, err := b.roomFor(namespace, msg.Room).append(msg); err != nil {
			return err
		}
	}
	return nil
}

// Consume drains an inbox: queued messages are returned in arrival order
// and removed.
func (b *Bus) Consume(namespace, identity string) ([]Message, error) {
	return b.inboxFor(namespace, identity).drain()
}

// Await blocks up to wait for inbox messages, returning immediately when
// any are already queued. An elapsed wait returns an empty batch, not an
// error.
func (b *Bus) Await(ctx context.Context, namespace, identity string, wait time.Duration) ([]Message, error) {
	in := b.inboxFor(namespace, identity)
	deadline := time.Now().Add(wait)

	for {
		batch, err := in.drain()
		if err != nil || len(batch) > 0 {
			return batch, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, nil
		case <-in.signal:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// RoomSince returns room entries with seq > since and the log's current
// cursor.
func (b *Bus) RoomSince(namespace, room string, since int64) ([]RoomEntry, int64, error) {
	return b.roomFor(namespace, room).since(since)
}

func (b *Bus) inboxFor(namespace, identity string) *inbox {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := namespace + "/" + identity
	in, ok := b.inboxes[key]
	if !ok {
		in = &inbox{
			path:   filepath.Join(b.basePath, namespace, "inbox", identity+".jsonl"),
			signal: make(chan struct{}, 1),
		}
		b.inboxes[key] = in
	}
	return in
}

func (b *Bus) roomFor(namespace, room string) *roomLog {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := namespace + "/" + room
	log, ok := b.rooms[key]
	if !ok {
		log = &roomLog{path: filepath.Join(b.basePath, namespace, "room", room+".jsonl")}
		b.rooms[key] = log
	}
	return log
}

// inbox is a consumed-on-read queue persisted as JSONL.
type inbox struct {
	mu     sync.Mutex
	path   string
	loaded bool
	queue  []Message
	signal chan struct{}
}

func (in *inbox) append(msg Message) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if err := in.loadLocked(); err != nil {
		return err
	}

	line, err := json.Marshal(msg)
	if err != nil {
		return droverErrors.Internal(fmt.Sprintf("marshal message: %v", err))
	}
	if err := os.MkdirAll(filepath.Dir(in.path), 0o755); err != nil {
		return droverErrors.Internal(fmt.Sprintf("create inbox dir: %v", err))
	}
	f, err := os.OpenFile(in.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return droverErrors.Internal(fmt.Sprintf("open inbox: %v", err))
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return droverErrors.Internal(fmt.Sprintf("append inbox: %v", err))
	}

	in.queue = append(in.queue, msg)
	select {
	case in.signal <- struct{}{}:
	default:
	}
	return nil
}

func (in *inbox) drain() ([]Message, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if err := in.loadLocked(); err != nil {
		return nil, err
	}
	if len(in.queue) == 0 {
		return nil, nil
	}

	batch := in.queue
	in.queue = nil
	if err := os.Truncate(in.path, 0); err != nil && !os.IsNotExist(err) {
		return nil, droverErrors.Internal(fmt.Sprintf("truncate inbox: %v", err))
	}
	return batch, nil
}

func (in *inbox) loadLocked() error {
	if in.loaded {
		return nil
	}
	in.loaded = true

	lines, err := readJSONLines(in.path)
	if err != nil {
		return err
	}
	for _, line := range lines {
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			slog.Warn("Skipping malformed inbox message", "path", in.path, "error", err)
			continue
		}
		in.queue = append(in.queue, msg)
	}
	return nil
}

// roomLog is an append-only, seq-numbered log persisted as JSONL.
type roomLog struct {
	mu      sync.Mutex
	path    string
	loaded  bool
	entries []RoomEntry
	nextSeq int64
}

func (r *roomLog) append(msg Message) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.loadLocked(); err != nil {
		return 0, err
	}

	r.nextSeq++
	entry := RoomEntry{Seq: r.nextSeq, Message: msg}

	line, err := json.Marshal(entry)
	if err != nil {
		return 0, droverErrors.Internal(fmt.Sprintf("marshal room entry: %v", err))
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return 0, droverErrors.Internal(fmt.Sprintf("create room dir: %v", err))
	}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, droverErrors.Internal(fmt.Sprintf("open room log: %v", err))
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return 0, droverErrors.Internal(fmt.Sprintf("append room log: %v", err))
	}

	r.entries = append(r.entries, entry)
	return entry.Seq, nil
}

func (r *roomLog) since(cursor int64) ([]RoomEntry, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.loadLocked(); err != nil {
		return nil, 0, err
	}

	var out []RoomEntry
	for _, entry := range r.entries {
		if entry.Seq > cursor {
			out = append(out, entry)
		}
	}
	return out, r.nextSeq, nil
}

func (r *roomLog) loadLocked() error {
	if r.loaded {
		return nil
	}
	r.loaded = true

	lines, err := readJSONLines(r.path)
	if err != nil {
		return err
	}
	for _, line := range lines {
		var entry RoomEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			slog.Warn("Skipping malformed room entry", "path", r.path, "error", err)
			continue
		}
		r.entries = append(r.entries, entry)
		if entry.Seq > r.nextSeq {
			r.nextSeq = entry.Seq
		}
	}
	return nil
}

func readJSONLines(path string) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, droverErrors.Internal(fmt.Sprintf("read %s: %v", path, err))
	}

	var lines [][]byte
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), line...))
	}
	return lines, scanner.Err()
}
