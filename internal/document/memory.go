package document

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"docflow/pkg/platform/sentinel"
)

// InMemoryStore keeps the development and test setup lightweight. It
// intentionally favors clarity over performance: one mutex guards the whole
// map, which also gives Execute its atomicity.
type InMemoryStore struct {
	mu   sync.RWMutex
	docs map[uuid.UUID]*Document
	now  func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{docs: make(map[uuid.UUID]*Document), now: time.Now}
}

// WithClock overrides the timestamp source, for tests.
func (s *InMemoryStore) WithClock(now func() time.Time) *InMemoryStore {
	s.now = now
	return s
}

func (s *InMemoryStore) Create(_ context.Context, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := doc.Clone()
	if d.Metadata == nil {
		d.Metadata = map[string]string{}
	}
	if d.Features == nil {
		d.Features = map[string]string{}
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now()
	}
	if d.StateChangedAt.IsZero() {
		d.StateChangedAt = d.CreatedAt
	}
	s.docs[d.ID] = d
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id uuid.UUID) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.docs[id]; ok {
		return d.Clone(), nil
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemoryStore) SetMetadata(_ context.Context, id uuid.UUID, key, value string, overwrite bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	if !overwrite {
		if _, exists := d.Metadata[key]; exists {
			return nil
		}
	}
	d.Metadata[key] = value
	return nil
}

func (s *InMemoryStore) SetFeature(_ context.Context, id uuid.UUID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	d.Features[key] = value
	return nil
}

func (s *InMemoryStore) ChangeState(_ context.Context, id uuid.UUID, expectedFrom []string, to LifecycleState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	if len(expectedFrom) > 0 && !slices.Contains(expectedFrom, d.State.Name) {
		return sentinel.ErrStateMismatch
	}
	d.State = to
	d.StateChangedAt = s.now()
	return nil
}

func (s *InMemoryStore) ReplaceBinary(_ context.Context, id uuid.UUID, content []byte, filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	d.Binary = append([]byte(nil), content...)
	d.BinaryFilename = filename
	return nil
}

func (s *InMemoryStore) MoveToSeries(_ context.Context, id uuid.UUID, series string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	d.Series = series
	return nil
}

func (s *InMemoryStore) MarkRemoved(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	d.Removed = true
	return nil
}

func (s *InMemoryStore) Execute(_ context.Context, id uuid.UUID, validate func(*Document) error, mutate func(*Document)) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	if validate != nil {
		if err := validate(d.Clone()); err != nil {
			return nil, err
		}
	}
	prev := d.State.Name
	if mutate != nil {
		mutate(d)
	}
	if d.State.Name != prev {
		d.StateChangedAt = s.now()
	}
	return d.Clone(), nil
}

func (s *InMemoryStore) ListByState(_ context.Context, docType, state string, excludedSeries []string) ([]*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Document
	for _, d := range s.docs {
		if d.Removed || d.DocType != docType || d.State.Name != state {
			continue
		}
		if slices.Contains(excludedSeries, d.Series) {
			continue
		}
		out = append(out, d.Clone())
	}
	return out, nil
}

var _ Store = (*InMemoryStore)(nil)
