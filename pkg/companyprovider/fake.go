package companyprovider

import (
	"context"
	"sync"

	"github.com/sells-group/dsi-pipeline/internal/model"
)

// Fake is an in-memory Client for tests.
type Fake struct {
	mu        sync.Mutex
	Candidates map[string][]model.CompanyCandidate
	Details    map[string]*CompanyDetails
	SearchErr  error
	RedeemErr  error
}

// NewFake builds a ready-to-use Fake.
func NewFake() *Fake {
	return &Fake{
		Candidates: make(map[string][]model.CompanyCandidate),
		Details:    make(map[string]*CompanyDetails),
	}
}

func (f *Fake) SearchCandidates(ctx context.Context, domain string) ([]model.CompanyCandidate, error) {
	if f.SearchErr != nil {
		return nil, f.SearchErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Candidates[domain], nil
}

func (f *Fake) RedeemDetails(ctx context.Context, providerCompanyID string) (*CompanyDetails, error) {
	if f.RedeemErr != nil {
		return nil, f.RedeemErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.Details[providerCompanyID]
	if !ok {
		return &CompanyDetails{}, nil
	}
	return d, nil
}

// SetCandidates registers the candidates returned for a domain search.
func (f *Fake) SetCandidates(domain string, candidates []model.CompanyCandidate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Candidates[domain] = candidates
}

// SetDetails registers the details returned for a provider company id.
func (f *Fake) SetDetails(providerCompanyID string, details *CompanyDetails) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Details[providerCompanyID] = details
}
