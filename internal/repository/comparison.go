// Package repository stores saved comparisons. A comparison is identified by
// its timestamp, normalized to UTC milliseconds; saving a comparison with an
// existing timestamp replaces it. SaveUnique never replaces.
package repository

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/felipepmaragno/llm-duel/internal/domain"
	"github.com/felipepmaragno/llm-duel/internal/metrics"
)

type ComparisonRepository interface {
	Save(ctx context.Context, c domain.SavedComparison) error
	// List returns all comparisons, newest first.
	List(ctx context.Context) ([]domain.SavedComparison, error)
	Get(ctx context.Context, key string) (*domain.SavedComparison, error)
	// Delete returns domain.ErrComparisonNotFound for an unknown timestamp.
	Delete(ctx context.Context, key string) error
}

// prepare validates c and normalizes its timestamp.
func prepare(c domain.SavedComparison) (domain.SavedComparison, error) {
	if c.Timestamp.IsZero() {
		return c, fmt.Errorf("%w: comparison timestamp is required", domain.ErrInvalidRequest)
	}
	c.Timestamp = domain.NormalizeTimestamp(c.Timestamp)
	if c.Mode == "" {
		c.Mode = domain.ModeText
	}
	if c.Responses == nil {
		c.Responses = []domain.GenerationResult{}
	}
	return c, nil
}

type InMemoryComparisonRepository struct {
	mu          sync.RWMutex
	comparisons map[string]domain.SavedComparison
}

func NewInMemoryComparisonRepository() *InMemoryComparisonRepository {
	return &InMemoryComparisonRepository{
		comparisons: make(map[string]domain.SavedComparison),
	}
}

func (r *InMemoryComparisonRepository) Save(ctx context.Context, c domain.SavedComparison) error {
	c, err := prepare(c)
	if err != nil {
		return err
	}

	c.Responses = append([]domain.GenerationResult(nil), c.Responses...)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.comparisons[domain.TimestampKey(c.Timestamp)] = c
	return nil
}

func (r *InMemoryComparisonRepository) List(ctx context.Context) ([]domain.SavedComparison, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.SavedComparison, 0, len(r.comparisons))
	for _, c := range r.comparisons {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}

func (r *InMemoryComparisonRepository) Get(ctx context.Context, key string) (*domain.SavedComparison, error) {
	ts, err := parseKey(key)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.comparisons[domain.TimestampKey(ts)]
	if !ok {
		return nil, domain.ErrComparisonNotFound
	}
	return &c, nil
}

func (r *InMemoryComparisonRepository) Delete(ctx context.Context, key string) error {
	ts, err := parseKey(key)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	k := domain.TimestampKey(ts)
	if _, ok := r.comparisons[k]; !ok {
		return domain.ErrComparisonNotFound
	}
	delete(r.comparisons, k)
	return nil
}

func parseKey(key string) (time.Time, error) {
	ts, err := domain.ParseTimestampKey(key)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid comparison timestamp %q", domain.ErrInvalidRequest, key)
	}
	return ts, nil
}

const maxSaveAttempts = 1000

// saveUniqueMu makes the free-timestamp check and the save one step for all
// callers in this process.
var saveUniqueMu sync.Mutex

// SaveUnique saves c under a timestamp no other comparison holds, moving it
// forward a millisecond at a time, and returns the timestamp used. Save keeps
// replacing on a clash; this is for callers that mint their own timestamps.
func SaveUnique(ctx context.Context, repo ComparisonRepository, c domain.SavedComparison) (time.Time, error) {
	if c.Timestamp.IsZero() {
		return time.Time{}, fmt.Errorf("%w: comparison timestamp is required", domain.ErrInvalidRequest)
	}

	saveUniqueMu.Lock()
	defer saveUniqueMu.Unlock()

	ts := domain.NormalizeTimestamp(c.Timestamp)
	for range maxSaveAttempts {
		_, err := repo.Get(ctx, domain.TimestampKey(ts))
		if errors.Is(err, domain.ErrComparisonNotFound) {
			c.Timestamp = ts
			if err := repo.Save(ctx, c); err != nil {
				return time.Time{}, err
			}
			return ts, nil
		}
		if err != nil {
			return time.Time{}, fmt.Errorf("check comparison timestamp: %w", err)
		}
		ts = ts.Add(time.Millisecond)
	}
	return time.Time{}, fmt.Errorf("no free comparison timestamp after %s", domain.TimestampKey(c.Timestamp))
}

// Instrumented records store metrics around every operation of repo.
func Instrumented(repo ComparisonRepository) ComparisonRepository {
	return &instrumented{next: repo}
}

type instrumented struct {
	next ComparisonRepository
}

func (i *instrumented) Save(ctx context.Context, c domain.SavedComparison) error {
	err := i.next.Save(ctx, c)
	metrics.RecordStoreOperation("save", err)
	return err
}

func (i *instrumented) List(ctx context.Context) ([]domain.SavedComparison, error) {
	out, err := i.next.List(ctx)
	metrics.RecordStoreOperation("list", err)
	return out, err
}

func (i *instrumented) Get(ctx context.Context, key string) (*domain.SavedComparison, error) {
	c, err := i.next.Get(ctx, key)
	metrics.RecordStoreOperation("get", err)
	return c, err
}

func (i *instrumented) Delete(ctx context.Context, key string) error {
	err := i.next.Delete(ctx, key)
	metrics.RecordStoreOperation("delete", err)
	return err
}

type pairLister interface {
	ListByPair(ctx context.Context, key string) ([]domain.SavedComparison, error)
}

// ListByPair returns the comparisons that included the provider/model key,
// newest first. Stores that can filter natively do so.
func ListByPair(ctx context.Context, repo ComparisonRepository, key string) ([]domain.SavedComparison, error) {
	if l, ok := repo.(pairLister); ok {
		return l.ListByPair(ctx, key)
	}

	list, err := repo.List(ctx)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(list, func(c domain.SavedComparison) bool {
		return !slices.ContainsFunc(c.Responses, func(r domain.GenerationResult) bool {
			return r.ProviderModelKey == key
		})
	}), nil
}

func (i *instrumented) ListByPair(ctx context.Context, key string) ([]domain.SavedComparison, error) {
	out, err := ListByPair(ctx, i.next, key)
	metrics.RecordStoreOperation("list", err)
	return out, err
}
