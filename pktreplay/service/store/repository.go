package store

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/go-appsec/pktreplay/pktreplay/service/capture"
	"github.com/go-appsec/pktreplay/pktreplay/service/scheduler"
)

const (
	recordsKey = "records"
	tasksKey   = "tasks"
)

// Repository persists captured records and replay tasks on top of a Storage.
// It satisfies capture.Repository and scheduler.Repository.
type Repository struct {
	storage Storage
}

var (
	_ capture.Repository   = (*Repository)(nil)
	_ scheduler.Repository = (*Repository)(nil)
)

// ErrNotFound is returned when a lookup by id matches nothing.
var ErrNotFound = errors.New("not found")

// NewRepository wraps storage.
func NewRepository(storage Storage) *Repository {
	return &Repository{storage: storage}
}

// LoadRecords returns the saved records, or nil if none were saved.
func (r *Repository) LoadRecords() ([]capture.CapturedRecord, error) {
	var records []capture.CapturedRecord
	if found, err := r.load(recordsKey, &records); err != nil || !found {
		return nil, err
	}
	// msgpack timestamps lose timezone info; normalize to UTC
	for i := range records {
		records[i].Timestamp = records[i].Timestamp.UTC()
	}
	return records, nil
}

// FindRecord returns the saved record with the given id.
func (r *Repository) FindRecord(id uuid.UUID) (capture.CapturedRecord, error) {
	records, err := r.LoadRecords()
	if err != nil {
		return capture.CapturedRecord{}, err
	}
	for _, rec := range records {
		if rec.ID == id {
			return rec, nil
		}
	}
	return capture.CapturedRecord{}, fmt.Errorf("record %s: %w", id, ErrNotFound)
}

// SaveRecords replaces the saved record list.
func (r *Repository) SaveRecords(records []capture.CapturedRecord) error {
	if len(records) == 0 {
		return r.storage.Delete(recordsKey)
	}
	return r.save(recordsKey, records)
}

// LoadTasks returns the saved tasks, or nil if none were saved.
func (r *Repository) LoadTasks() ([]scheduler.ReplayTask, error) {
	var tasks []scheduler.ReplayTask
	if found, err := r.load(tasksKey, &tasks); err != nil || !found {
		return nil, err
	}
	for i := range tasks {
		tasks[i].ScheduledTime = tasks[i].ScheduledTime.UTC()
		tasks[i].Record.Timestamp = tasks[i].Record.Timestamp.UTC()
	}
	return tasks, nil
}

// SaveTasks replaces the saved task list.
func (r *Repository) SaveTasks(tasks []scheduler.ReplayTask) error {
	if len(tasks) == 0 {
		return r.storage.Delete(tasksKey)
	}
	return r.save(tasksKey, tasks)
}

// Close closes the underlying storage.
func (r *Repository) Close() error {
	return r.storage.Close()
}

func (r *Repository) load(key string, v any) (bool, error) {
	data, found, err := r.storage.Get(key)
	if err != nil || !found {
		return false, err
	}
	if err := Deserialize(data, v); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Repository) save(key string, v any) error {
	data, err := Serialize(v)
	if err != nil {
		return err
	}
	return r.storage.Set(key, data)
}
