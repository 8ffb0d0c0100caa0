package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/tonefield/mediad/internal/media"
)

// MediaStore provides an in-memory implementation for development/testing.
// It mirrors the reference-count rules enforced by the Postgres store.
type MediaStore struct {
	mu      sync.RWMutex
	rows    map[string]media.Media
	works   map[string]media.Work
	attach  map[string]map[string]bool // workID -> mediaID set
	nowFunc func() time.Time
}

// NewMediaStore constructs a MediaStore.
func NewMediaStore() *MediaStore {
	return &MediaStore{
		rows:    make(map[string]media.Media),
		works:   make(map[string]media.Work),
		attach:  make(map[string]map[string]bool),
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// CreateMedia stores a new media row.
func (s *MediaStore) CreateMedia(_ context.Context, m media.Media) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rows[m.ID]; exists {
		return errors.New("media already exists")
	}
	s.rows[m.ID] = m
	return nil
}

// GetMedia fetches a media row by ID.
func (s *MediaStore) GetMedia(_ context.Context, mediaID string) (media.Media, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.rows[mediaID]
	if !ok {
		return media.Media{}, media.ErrNotFound
	}
	return m, nil
}

// ListMedia returns rows matching the filter, newest first.
func (s *MediaStore) ListMedia(_ context.Context, filter media.ListFilter) ([]media.Media, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []media.Media
	for _, m := range s.rows {
		if filter.Kind != "" && m.Kind != filter.Kind {
			continue
		}
		if m.DeletedAt != nil && !filter.IncludeDeleted {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateStatus sets the lifecycle status and error text for a row.
func (s *MediaStore) UpdateStatus(_ context.Context, mediaID string, status media.Status, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rows[mediaID]
	if !ok {
		return media.ErrNotFound
	}
	m.Status = status
	m.ErrorText = errText
	m.UpdatedAt = s.nowFunc()
	s.rows[mediaID] = m
	return nil
}

// UpdateProcessed records derivative metadata after a successful run.
func (s *MediaStore) UpdateProcessed(
	_ context.Context,
	mediaID string,
	result media.ProcessResult,
	variants []media.Variant,
	url string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rows[mediaID]
	if !ok {
		return media.ErrNotFound
	}
	m.Status = media.StatusReady
	m.ErrorText = ""
	m.Image = result.Image
	m.Audio = result.Audio
	m.Variants = variants
	if url != "" {
		m.URL = url
	}
	m.UpdatedAt = s.nowFunc()
	s.rows[mediaID] = m
	return nil
}

// AttachMedia links a work to a media row and increments its refCount.
func (s *MediaStore) AttachMedia(_ context.Context, workID, mediaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rows[mediaID]
	if !ok {
		return media.ErrNotFound
	}
	if _, ok := s.works[workID]; !ok {
		return media.ErrNotFound
	}
	set := s.attach[workID]
	if set == nil {
		set = make(map[string]bool)
		s.attach[workID] = set
	}
	if set[mediaID] {
		return media.ErrAlreadyAttached
	}
	set[mediaID] = true
	m.RefCount++
	m.DeletedAt = nil // attaching revives a soft-deleted row
	m.UpdatedAt = s.nowFunc()
	s.rows[mediaID] = m
	return nil
}

// DetachMedia unlinks and decrements; at refCount zero the row is soft-deleted.
func (s *MediaStore) DetachMedia(_ context.Context, workID, mediaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rows[mediaID]
	if !ok {
		return media.ErrNotFound
	}
	set := s.attach[workID]
	if !set[mediaID] {
		return media.ErrNotFound
	}
	delete(set, mediaID)
	if m.RefCount > 0 {
		m.RefCount--
	}
	now := s.nowFunc()
	if m.RefCount == 0 {
		m.DeletedAt = &now
	}
	m.UpdatedAt = now
	s.rows[mediaID] = m
	return nil
}

// SoftDelete marks an unreferenced row deleted. Repeated deletes keep the
// original deleted_at timestamp.
func (s *MediaStore) SoftDelete(_ context.Context, mediaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rows[mediaID]
	if !ok {
		return media.ErrNotFound
	}
	if m.RefCount > 0 {
		return media.ErrStillReferenced
	}
	if m.DeletedAt != nil {
		return nil
	}
	now := s.nowFunc()
	m.DeletedAt = &now
	m.UpdatedAt = now
	s.rows[mediaID] = m
	return nil
}

// PurgeDeleted permanently removes soft-deleted, unreferenced rows older than
// the cutoff and reports the blob paths to remove with them.
func (s *MediaStore) PurgeDeleted(_ context.Context, olderThan time.Time) ([]media.PurgeCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []media.PurgeCandidate
	for id, m := range s.rows {
		if m.DeletedAt == nil || m.RefCount != 0 || !m.DeletedAt.Before(olderThan) {
			continue
		}
		paths := []string{m.StoragePath}
		for _, v := range m.Variants {
			paths = append(paths, v.StoragePath)
		}
		out = append(out, media.PurgeCandidate{MediaID: id, StoragePaths: paths})
		delete(s.rows, id)
	}
	return out, nil
}

// CreateWork stores a new work.
func (s *MediaStore) CreateWork(_ context.Context, w media.Work) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.works[w.ID]; exists {
		return errors.New("work already exists")
	}
	s.works[w.ID] = w
	return nil
}

// GetWork fetches a work with its attached media IDs.
func (s *MediaStore) GetWork(_ context.Context, workID string) (media.Work, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.works[workID]
	if !ok {
		return media.Work{}, media.ErrNotFound
	}
	ids := make([]string, 0, len(s.attach[workID]))
	for id := range s.attach[workID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	w.MediaIDs = ids
	return w, nil
}
