package changestore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/gitreview/gitreviewd/internal/change"
	"github.com/gitreview/gitreviewd/internal/storage"
)

// memKeyPrefix namespaces change documents from any other use of the
// underlying storage.DB, mirroring how the Git-backed state store in the
// teacher keys documents by directory.
const memKeyPrefix = "changes/"

// MemStore is an in-memory [Store] backed by [storage.MemBackend]. It
// exists for tests: the Receive Pipeline and Review Surface test suites
// use it in place of the SQL-backed store so they don't need a real
// database.
type MemStore struct {
	mu     sync.Mutex
	db     *storage.DB
	nextID int64
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{db: storage.NewDB(storage.NewMemBackend())}
}

func memKey(project, key string) string {
	return memKeyPrefix + project + "/" + key
}

func (s *MemStore) CreateChange(ctx context.Context, c *change.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := memKey(c.ProjectName, c.Key)
	var existing change.Change
	if err := s.db.Get(ctx, k, &existing); err == nil {
		return fmt.Errorf("%w: %s/%s", ErrKeyExists, c.ProjectName, c.Key)
	}

	s.nextID++
	c.ID = s.nextID
	if err := s.db.Set(ctx, k, c); err != nil {
		return fmt.Errorf("changestore: create: %w", err)
	}
	return s.db.Set(ctx, idKey(c.ID), k)
}

func idKey(id int64) string {
	return memKeyPrefix + "by-id/" + strconv.FormatInt(id, 10)
}

func (s *MemStore) GetChange(ctx context.Context, project, key string) (*change.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c change.Change
	if err := s.db.Get(ctx, memKey(project, key), &c); err != nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, project, key)
	}
	return &c, nil
}

func (s *MemStore) GetChangeByID(ctx context.Context, id int64) (*change.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var k string
	if err := s.db.Get(ctx, idKey(id), &k); err != nil {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}

	var c change.Change
	if err := s.db.Get(ctx, k, &c); err != nil {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return &c, nil
}

func (s *MemStore) UpdateChange(ctx context.Context, c *change.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := memKey(c.ProjectName, c.Key)
	var existing change.Change
	if err := s.db.Get(ctx, k, &existing); err != nil {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, c.ProjectName, c.Key)
	}

	return s.db.Set(ctx, k, c)
}

func (s *MemStore) ListOpenChanges(ctx context.Context, project, destBranch string) ([]*change.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.db.Keys(ctx, memKeyPrefix+project+"/")
	if err != nil {
		return nil, err
	}

	var out []*change.Change
	for _, k := range keys {
		var c change.Change
		if err := s.db.Get(ctx, k, &c); err != nil {
			continue
		}
		if c.Status != change.StatusNew {
			continue
		}
		if destBranch != "" && c.DestBranch != destBranch {
			continue
		}
		out = append(out, &c)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedOn.Before(out[j].CreatedOn) })
	return out, nil
}

func (s *MemStore) ListChangesByOwner(ctx context.Context, ownerAccountID int64) ([]*change.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.db.Keys(ctx, memKeyPrefix)
	if err != nil {
		return nil, err
	}

	var out []*change.Change
	for _, k := range keys {
		var c change.Change
		if err := s.db.Get(ctx, k, &c); err != nil {
			continue
		}
		if c.OwnerAccountID != ownerAccountID {
			continue
		}
		out = append(out, &c)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].LastUpdatedOn.After(out[j].LastUpdatedOn) })
	return out, nil
}

func (s *MemStore) Close() error { return nil }
