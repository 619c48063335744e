// Package verify audits stored state: every release marked stored must have
// a blob under its recorded content address.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/vscavator/vscavator/internal/store"
)

// verifyStore is the slice of the store the audit reads.
type verifyStore interface {
	StoredReleases(ctx context.Context) ([]store.StoredRelease, error)
	CountReleasesByStatus(ctx context.Context) (map[store.ReleaseStatus]int64, error)
}

// blobProber is the slice of the blob store the audit probes.
type blobProber interface {
	Exists(ctx context.Context, contentAddress string) (bool, error)
	ListAddresses(ctx context.Context) ([]string, error)
}

// Report is the audit outcome.
type Report struct {
	StatusCounts map[store.ReleaseStatus]int64
	// AddressesChecked is the number of distinct content addresses probed.
	AddressesChecked int
	// Missing lists stored releases whose blob could not be found.
	Missing []store.StoredRelease
	// Unreferenced lists content addresses present in the blob store that no
	// stored release points at.
	Unreferenced []string
}

// OK reports whether database and blob store agree in both directions.
func (r *Report) OK() bool {
	return len(r.Missing) == 0 && len(r.Unreferenced) == 0
}

// Verifier audits the database against the blob store.
type Verifier interface {
	Verify(ctx context.Context) (*Report, error)
}

type defaultVerifier struct {
	store   verifyStore
	blobs   blobProber
	workers int
}

// VerifierOption configures the verifier.
type VerifierOption func(*defaultVerifier)

// WithVerifyWorkers sets the probe pool size.
func WithVerifyWorkers(n int) VerifierOption {
	return func(v *defaultVerifier) {
		if n > 0 {
			v.workers = n
		}
	}
}

// NewVerifier creates the audit.
func NewVerifier(st verifyStore, blobs blobProber, opts ...VerifierOption) Verifier {
	v := &defaultVerifier{
		store:   st,
		blobs:   blobs,
		workers: 8,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *defaultVerifier) Verify(ctx context.Context) (*Report, error) {
	counts, err := v.store.CountReleasesByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count releases: %w", err)
	}

	stored, err := v.store.StoredReleases(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list stored releases: %w", err)
	}

	// Identical archives share an address; probe each address once.
	byAddress := make(map[string][]store.StoredRelease, len(stored))
	for _, r := range stored {
		byAddress[r.ContentAddress] = append(byAddress[r.ContentAddress], r)
	}

	var mu sync.Mutex
	var missing []store.StoredRelease

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.workers)

	for address, releases := range byAddress {
		g.Go(func() error {
			exists, err := v.blobs.Exists(gctx, address)
			if err != nil {
				return fmt.Errorf("failed to probe blob %s: %w", address, err)
			}
			if !exists {
				mu.Lock()
				missing = append(missing, releases...)
				mu.Unlock()
				slog.Warn("Stored release missing its blob",
					"content_address", address,
					"releases", len(releases),
				)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	blobAddresses, err := v.blobs.ListAddresses(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list blobs: %w", err)
	}
	var unreferenced []string
	for _, addr := range blobAddresses {
		if _, ok := byAddress[addr]; !ok {
			unreferenced = append(unreferenced, addr)
		}
	}
	sort.Strings(unreferenced)

	sort.Slice(missing, func(i, j int) bool {
		if missing[i].ExtensionID != missing[j].ExtensionID {
			return missing[i].ExtensionID.String() < missing[j].ExtensionID.String()
		}
		return missing[i].Version < missing[j].Version
	})

	report := &Report{
		StatusCounts:     counts,
		AddressesChecked: len(byAddress),
		Missing:          missing,
		Unreferenced:     unreferenced,
	}

	slog.Info("Verification complete",
		"addresses_checked", report.AddressesChecked,
		"missing", len(report.Missing),
		"unreferenced", len(report.Unreferenced),
	)

	return report, nil
}
