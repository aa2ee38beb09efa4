package searchprovider

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Client for tests. Zero value is ready to use.
type Fake struct {
	mu       sync.Mutex
	nextID   int
	Batches  map[string]*BatchInfo
	Searches map[string][]SearchParams
	CSV      map[string]string // keyed "batchID/resultSetID"

	// CreateBatchErr, when set, is returned by CreateBatch.
	CreateBatchErr error
	SearchResp     *SearchResponse
	SearchErr      error
}

// NewFake builds a ready-to-use Fake.
func NewFake() *Fake {
	return &Fake{
		Batches:  make(map[string]*BatchInfo),
		Searches: make(map[string][]SearchParams),
		CSV:      make(map[string]string),
	}
}

func (f *Fake) CreateBatch(ctx context.Context, cfg BatchConfig) (string, error) {
	if f.CreateBatchErr != nil {
		return "", f.CreateBatchErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := idFor(f.nextID)
	f.Batches[id] = &BatchInfo{ID: id, Status: "manual"}
	return id, nil
}

func (f *Fake) AddSearches(ctx context.Context, batchID string, searches []SearchParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Searches[batchID] = append(f.Searches[batchID], searches...)
	if b, ok := f.Batches[batchID]; ok {
		b.SearchesTotalCount += len(searches)
	}
	return nil
}

func (f *Fake) StartBatch(ctx context.Context, batchID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.Batches[batchID]; ok {
		b.Status = "idle"
	}
	return nil
}

func (f *Fake) GetBatch(ctx context.Context, batchID string) (*BatchInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.Batches[batchID]
	if !ok {
		return nil, ErrBatchNotFound
	}
	cp := *b
	return &cp, nil
}

func (f *Fake) FetchResultsCSV(ctx context.Context, batchID string, resultSetID int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.CSV[csvKey(batchID, resultSetID)], nil
}

func (f *Fake) Search(ctx context.Context, params SearchParams) (*SearchResponse, error) {
	if f.SearchErr != nil {
		return nil, f.SearchErr
	}
	if f.SearchResp != nil {
		return f.SearchResp, nil
	}
	return &SearchResponse{}, nil
}

// SetCSV registers the CSV body FetchResultsCSV returns for a batch/result set.
func (f *Fake) SetCSV(batchID string, resultSetID int, csv string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CSV[csvKey(batchID, resultSetID)] = csv
}

// SetBatchReady marks a batch as idle with the given counts, as if the
// provider finished processing it.
func (f *Fake) SetBatchReady(batchID string, resultsCount int, resultSets []ResultSetRef) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.Batches[batchID]; ok {
		b.Status = "idle"
		b.ResultsCount = resultsCount
		b.ResultSets = resultSets
	}
}

func csvKey(batchID string, resultSetID int) string {
	return fmt.Sprintf("%s/%d", batchID, resultSetID)
}

func idFor(n int) string {
	return fmt.Sprintf("batch-%d", n)
}
