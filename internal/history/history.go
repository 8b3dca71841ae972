// Package history keeps per-machine boot and shutdown records across
// devtray restarts.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	badger "github.com/dgraph-io/badger/v4"

	"github.com/javanstorm/devtray/internal/vm"
)

// Record holds machine history that survives restarts.
type Record struct {
	// LastBoot is when the machine last reached running.
	LastBoot time.Time `json:"last_boot,omitempty"`

	// LastShutdown is when the machine last powered off.
	LastShutdown time.Time `json:"last_shutdown,omitempty"`

	// BootCount is the number of observed boots.
	BootCount int `json:"boot_count"`

	// CleanShutdown is true when the last power-off went through an
	// orderly shutdown.
	CleanShutdown bool `json:"clean_shutdown"`

	// LastState is the last lifecycle state seen.
	LastState string `json:"last_state,omitempty"`
}

// Store persists records in a badger database.
type Store struct {
	db     *badger.DB
	logger *log.Logger
	now    func() time.Time
}

var _ vm.TransitionObserver = (*Store)(nil)

// Open opens the history database in dir. An empty dir keeps the history
// in memory only.
func Open(dir string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Clean(dir))
	}
	opts.Logger = nil
	opts = opts.WithValueLogFileSize(1 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", dir, err)
	}
	return &Store{db: db, logger: logger, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

const keyPrefix = "machine:"

func recordKey(machineID string) []byte {
	return []byte(keyPrefix + strings.ToLower(strings.TrimSpace(machineID)))
}

// Get returns the record of machineID. Unknown machines get a zero record.
func (s *Store) Get(machineID string) (Record, error) {
	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		return load(txn, machineID, &rec)
	})
	return rec, err
}

// All returns every record keyed by lower-cased machine id.
func (s *Store) All() (map[string]Record, error) {
	out := make(map[string]Record)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			id := strings.TrimPrefix(string(item.Key()), keyPrefix)
			var rec Record
			if err := item.Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			}); err != nil {
				return fmt.Errorf("parse history of %s: %w", id, err)
			}
			out[id] = rec
		}
		return nil
	})
	return out, err
}

// RecordBoot counts a boot of machineID at t.
func (s *Store) RecordBoot(machineID string, t time.Time) error {
	return s.update(machineID, func(rec *Record) {
		rec.LastBoot = t
		rec.BootCount++
		rec.CleanShutdown = false
		rec.LastState = vm.StateRunning.String()
	})
}

// RecordShutdown notes a power-off of machineID at t.
func (s *Store) RecordShutdown(machineID string, t time.Time, clean bool) error {
	return s.update(machineID, func(rec *Record) {
		rec.LastShutdown = t
		rec.CleanShutdown = clean
		rec.LastState = vm.StatePoweredOff.String()
	})
}

// ObserveTransition implements vm.TransitionObserver. Running counts as a
// boot unless the machine was already running when devtray attached to
// it; a power-off is clean when it went through stopping.
func (s *Store) ObserveTransition(t vm.Transition) {
	at := t.At
	if at.IsZero() {
		at = s.now()
	}

	var err error
	switch {
	case t.To == vm.StateRunning && !t.Initializing:
		err = s.RecordBoot(t.MachineID, at)
	case t.To == vm.StatePoweredOff && !t.Initializing:
		err = s.RecordShutdown(t.MachineID, at, t.From == vm.StateStopping)
	default:
		err = s.update(t.MachineID, func(rec *Record) {
			rec.LastState = t.To.String()
		})
	}
	if err != nil {
		s.logger.Warn("recording history", "server", t.Server, "err", err)
	}
}

func (s *Store) update(machineID string, fn func(*Record)) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var rec Record
		if err := load(txn, machineID, &rec); err != nil {
			return err
		}
		fn(&rec)
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal history: %w", err)
		}
		return txn.Set(recordKey(machineID), data)
	})
}

func load(txn *badger.Txn, machineID string, rec *Record) error {
	item, err := txn.Get(recordKey(machineID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read history of %s: %w", machineID, err)
	}
	return item.Value(func(v []byte) error {
		if err := json.Unmarshal(v, rec); err != nil {
			return fmt.Errorf("parse history of %s: %w", machineID, err)
		}
		return nil
	})
}
