// Package history keeps a durable log of session events in pebble.
package history

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/gosuda/sendme/session"
)

// Direction tells whether an entry was received from or sent to the peer.
type Direction string

const (
	Inbound  Direction = "in"
	Outbound Direction = "out"
)

// Entry is one recorded event.
type Entry struct {
	At        time.Time `json:"at"`
	Session   string    `json:"session,omitempty"`
	Direction Direction `json:"direction"`
	Event     string    `json:"event"`
	Payload   string    `json:"payload,omitempty"`
}

var (
	keyPrefix = []byte("evt/")
	keyLimit  = []byte("evt0") // '0' sorts right after '/'
)

// Options configures Open.
type Options struct {
	// FS overrides the filesystem, e.g. vfs.NewMem() in tests.
	FS vfs.FS
}

// Store is an append-only event log ordered by insertion time.
type Store struct {
	db  *pebble.DB
	seq atomic.Uint64
}

// Open opens or creates the store in dir.
func Open(dir string, opts Options) (*Store, error) {
	po := &pebble.Options{}
	if opts.FS != nil {
		po.FS = opts.FS
	}
	db, err := pebble.Open(dir, po)
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) key(at time.Time) []byte {
	k := make([]byte, 0, len(keyPrefix)+16)
	k = append(k, keyPrefix...)
	k = binary.BigEndian.AppendUint64(k, uint64(at.UnixNano()))
	k = binary.BigEndian.AppendUint64(k, s.seq.Add(1))
	return k
}

// Append records e. A zero At is set to the current time.
func (s *Store) Append(e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	val, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.db.Set(s.key(e.At), val, pebble.Sync)
}

// List returns up to limit most recent entries in chronological order.
// A limit of zero or less returns every entry.
func (s *Store) List(limit int) ([]Entry, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: keyPrefix,
		UpperBound: keyLimit,
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var entries []Entry
	for valid := iter.Last(); valid; valid = iter.Prev() {
		if limit > 0 && len(entries) >= limit {
			break
		}
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return nil, fmt.Errorf("decode history entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Sink records inbound session events. It satisfies session.Sink, and sessions
// bind it to their id through BindSession.
type Sink struct {
	Store   *Store
	Session string
}

// BindSession returns a copy of k that tags entries with id.
func (k Sink) BindSession(id string) session.Sink {
	k.Session = id
	return k
}

func (k Sink) Emit(event string) error {
	return k.Store.Append(Entry{Session: k.Session, Direction: Inbound, Event: event})
}

func (k Sink) EmitPayload(event, payload string) error {
	return k.Store.Append(Entry{Session: k.Session, Direction: Inbound, Event: event, Payload: payload})
}
