package broker

import (
	"context"
	"errors"
	"sync"

	"github.com/collabsync/collab/collab"
)

var ErrContentNotFound = errors.New("content not found")

// write-through persistence for content records.
// the broker writes a record before broadcasting its content-updated,
// so a store failure deterministically rolls the update back.
type ContentStore interface {
	Get(ctx context.Context, contentType string, contentId string) (map[string]any, error)
	// merges the changes into the record and returns the resulting fields
	Apply(ctx context.Context, contentType string, contentId string, changes []collab.ContentChange) (map[string]any, error)
	Delete(ctx context.Context, contentType string, contentId string) error
}

type MemoryStore struct {
	mutex   sync.Mutex
	records map[recordKey]map[string]any
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: map[recordKey]map[string]any{},
	}
}

func (self *MemoryStore) Put(contentType string, contentId string, fields map[string]any) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	record := map[string]any{}
	for field, value := range fields {
		record[field] = value
	}
	self.records[recordKey{contentType, contentId}] = record
}

func (self *MemoryStore) Get(ctx context.Context, contentType string, contentId string) (map[string]any, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	record, ok := self.records[recordKey{contentType, contentId}]
	if !ok {
		return nil, ErrContentNotFound
	}
	return copyRecord(record), nil
}

func (self *MemoryStore) Apply(ctx context.Context, contentType string, contentId string, changes []collab.ContentChange) (map[string]any, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	key := recordKey{contentType, contentId}
	record, ok := self.records[key]
	if !ok {
		record = map[string]any{}
		self.records[key] = record
	}
	for _, change := range changes {
		record[change.Field] = change.NewValue
	}
	return copyRecord(record), nil
}

func (self *MemoryStore) Delete(ctx context.Context, contentType string, contentId string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	key := recordKey{contentType, contentId}
	if _, ok := self.records[key]; !ok {
		return ErrContentNotFound
	}
	delete(self.records, key)
	return nil
}

func copyRecord(record map[string]any) map[string]any {
	out := map[string]any{}
	for field, value := range record {
		out[field] = value
	}
	return out
}
