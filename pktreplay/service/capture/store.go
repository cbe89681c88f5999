package capture

import (
	"log"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// DefaultMaxRecords caps the store when no explicit limit is configured.
const DefaultMaxRecords = 1000

// Repository persists the record list. Format is owned by the implementation.
type Repository interface {
	LoadRecords() ([]CapturedRecord, error)
	SaveRecords([]CapturedRecord) error
}

// Store is a bounded, newest-first record list. Thread-safe.
type Store struct {
	mu         sync.RWMutex
	records    []CapturedRecord // index 0 is newest
	maxRecords int
	repo       Repository // optional
	saveMu     sync.Mutex // orders snapshot+write pairs so a stale snapshot never lands last

	subMu   sync.RWMutex
	subs    map[uint64]func(CapturedRecord)
	nextSub uint64

	// saves are coalesced; one pending signal is enough to persist the latest snapshot
	saveCh    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	saverWg   sync.WaitGroup
}

// NewStore creates a store holding at most maxRecords entries.
// When repo is non-nil the previously saved records are loaded (truncated to
// the cap) and every mutation is persisted in the background.
func NewStore(maxRecords int, repo Repository) *Store {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	s := &Store{
		maxRecords: maxRecords,
		repo:       repo,
		subs:       make(map[uint64]func(CapturedRecord)),
		saveCh:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}

	if repo != nil {
		if loaded, err := repo.LoadRecords(); err != nil {
			log.Printf("capture: failed to load records: %v", err)
		} else {
			if len(loaded) > maxRecords {
				loaded = loaded[:maxRecords]
			}
			s.records = loaded
		}

		s.saverWg.Add(1)
		go s.saveLoop()
	}
	return s
}

// Capture inserts rec at the head, evicting the oldest records beyond the cap,
// then notifies subscribers.
func (s *Store) Capture(rec CapturedRecord) {
	s.mu.Lock()
	s.records = slices.Insert(s.records, 0, rec.Clone())
	if len(s.records) > s.maxRecords {
		clear(s.records[s.maxRecords:]) // release payloads of evicted records
		s.records = s.records[:s.maxRecords]
	}
	s.mu.Unlock()

	s.requestSave()
	s.notify(rec)
}

// List returns a snapshot of all records, newest first.
func (s *Store) List() []CapturedRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.records)
}

// Get returns a copy of the record with the given id.
func (s *Store) Get(id uuid.UUID) (CapturedRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.records {
		if r.ID == id {
			return r.Clone(), true
		}
	}
	return CapturedRecord{}, false
}

// Count returns the number of stored records.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.records)
}

// Clear removes every record and persists the empty list immediately.
func (s *Store) Clear() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	s.records = nil
	s.mu.Unlock()

	if s.repo == nil {
		return nil
	}
	return s.repo.SaveRecords(nil)
}

// Subscribe registers fn to be called for each captured record.
// Callbacks run on the capturing goroutine and must not block.
// The returned func removes the subscription.
func (s *Store) Subscribe(fn func(CapturedRecord)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// Flush synchronously persists the current snapshot.
func (s *Store) Flush() error {
	if s.repo == nil {
		return nil
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	return s.repo.SaveRecords(s.List())
}

// Close stops background persistence and writes a final snapshot.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.saverWg.Wait()
		err = s.Flush()
	})
	return err
}

func (s *Store) notify(rec CapturedRecord) {
	s.subMu.RLock()
	fns := make([]func(CapturedRecord), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.RUnlock()

	for _, fn := range fns {
		fn(rec.Clone())
	}
}

func (s *Store) requestSave() {
	if s.repo == nil {
		return
	}
	select {
	case s.saveCh <- struct{}{}:
	default: // save already pending
	}
}

func (s *Store) saveLoop() {
	defer s.saverWg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-s.saveCh:
			if err := s.Flush(); err != nil {
				log.Printf("capture: failed to save records: %v", err)
			}
		}
	}
}
