package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/actualreader/backend/internal/bundle"
	"github.com/actualreader/backend/internal/discovery"
	"github.com/actualreader/backend/internal/library"
	"go.uber.org/zap"
)

// Progress is an advisory snapshot of a running sync. It never affects
// control flow.
type Progress struct {
	Current int
	Total   int
	Label   string
	Done    bool
}

// ProgressFunc receives progress snapshots. Nil callbacks are allowed.
type ProgressFunc func(Progress)

// Result aggregates the outcome of one sync run.
type Result struct {
	BooksAdded     int
	ProgressSynced int
	Errors         []string
}

// OrchestratorConfig bundles the dependencies of the sync orchestrator.
type OrchestratorConfig struct {
	Library *library.Service
	Bundles *bundle.Service
	// NewClient builds the transfer client for a peer. Defaults to NewClient;
	// injectable for tests.
	NewClient func(address string, port int) *Client
	Logger    *zap.Logger
}

// Orchestrator runs one-shot catalog reconciliation against a single peer.
type Orchestrator struct {
	library   *library.Service
	bundles   *bundle.Service
	newClient func(address string, port int) *Client
	logger    *zap.Logger
}

// NewOrchestrator validates the configuration and constructs an orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Library == nil {
		return nil, errMissingLibrary
	}
	if cfg.Bundles == nil {
		return nil, errMissingPipeline
	}
	newClient := cfg.NewClient
	if newClient == nil {
		newClient = NewClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		library:   cfg.Library,
		bundles:   cfg.Bundles,
		newClient: newClient,
		logger:    logger,
	}, nil
}

// Sync pulls the peer's catalog, downloads each narration-ready book whose id
// is absent locally, and imports it. Books are fetched sequentially in
// catalog order; a per-book failure is recorded and the run continues. A
// catalog failure aborts the run, and the context is checked between books so
// cancellation takes effect at the next book boundary with the partial result
// preserved.
func (o *Orchestrator) Sync(ctx context.Context, peer discovery.Peer, progress ProgressFunc) (Result, error) {
	if progress == nil {
		progress = func(Progress) {}
	}
	result := Result{Errors: []string{}}

	client := o.newClient(peer.Address, peer.Port)
	catalog, err := client.FetchCatalog(ctx)
	if err != nil {
		return result, fmt.Errorf("transfer: fetch catalog from %s: %w", peer.Name, err)
	}

	localIDs, err := o.library.BookIDs(ctx)
	if err != nil {
		return result, err
	}

	var missing []CatalogEntry
	for _, entry := range catalog {
		if _, present := localIDs[entry.ID]; present {
			continue
		}
		if !entry.HasNarration {
			continue
		}
		missing = append(missing, entry)
	}

	o.logger.Info("sync plan computed",
		zap.String("peer", peer.Name),
		zap.Int("peer_books", len(catalog)),
		zap.Int("to_fetch", len(missing)))

	for index, entry := range missing {
		if ctxErr := ctx.Err(); ctxErr != nil {
			progress(Progress{Current: index, Total: len(missing), Done: true})
			return result, ctxErr
		}

		if err := o.fetchAndImport(ctx, client, peer, entry); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", entry.Title, err))
			o.logger.Warn("book sync failed",
				zap.String("peer", peer.Name),
				zap.String("book_id", entry.ID),
				zap.Error(err))
		} else {
			result.BooksAdded++
		}
		progress(Progress{Current: index + 1, Total: len(missing), Label: entry.Title})
	}

	progress(Progress{Current: len(missing), Total: len(missing), Done: true})
	o.logger.Info("sync finished",
		zap.String("peer", peer.Name),
		zap.Int("added", result.BooksAdded),
		zap.Int("errors", len(result.Errors)))
	return result, nil
}

func (o *Orchestrator) fetchAndImport(ctx context.Context, client *Client, peer discovery.Peer, entry CatalogEntry) error {
	data, err := client.FetchBundle(ctx, entry.ID)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		// The fetch endpoint answers failures with an empty body.
		return errors.New("peer returned an empty bundle")
	}

	// Mirrored import keeps the peer's book id, so the next run's catalog
	// diff sees the book as already present.
	provenance := fmt.Sprintf("sync://%s/%s", peer.Name, entry.ID)
	if _, err := o.bundles.ImportMirrored(ctx, data, provenance); err != nil {
		return err
	}
	return nil
}
