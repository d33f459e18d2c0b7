package contacts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jholhewres/assistclaw/pkg/assistclaw/dispatch"
)

// Remote is the authoritative contacts source (the People API).
type Remote interface {
	Search(ctx context.Context, query string, limit int) ([]dispatch.Contact, error)
	List(ctx context.Context) ([]dispatch.Contact, error)
}

// Directory searches the remote source first and falls back to the cache.
// Remote results are written back so the cache warms up between syncs.
type Directory struct {
	remote Remote
	cache  *Cache
	logger *slog.Logger
}

// NewDirectory creates a Directory. remote may be nil, in which case only
// the cache is used.
func NewDirectory(remote Remote, cache *Cache, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{remote: remote, cache: cache, logger: logger.With("component", "contacts")}
}

// Search implements dispatch.ContactDirectory.
func (d *Directory) Search(ctx context.Context, query string, limit int) ([]dispatch.Contact, error) {
	var remoteErr error
	if d.remote != nil {
		found, err := d.remote.Search(ctx, query, limit)
		if err == nil && len(found) > 0 {
			if _, err := d.cache.Upsert(ctx, found); err != nil {
				d.logger.Warn("failed to cache contacts", "error", err)
			}
			return found, nil
		}
		if err != nil {
			remoteErr = err
			d.logger.Warn("remote contact search failed, using cache",
				"kind", dispatch.KindOf(err).String(), "error", err)
		}
	}

	cached, err := d.cache.Search(ctx, query, limit)
	if err != nil {
		if remoteErr != nil {
			return nil, remoteErr
		}
		return nil, dispatch.NewError(dispatch.ServiceContacts, dispatch.KindUnknown, err)
	}
	if len(cached) == 0 && remoteErr != nil {
		return nil, remoteErr
	}
	return cached, nil
}

// Sync copies every remote contact into the cache, drops the ones that no
// longer exist and returns how many were fetched.
func (d *Directory) Sync(ctx context.Context) (int, error) {
	if d.remote == nil {
		return 0, fmt.Errorf("contacts sync: %w", dispatch.ErrNotConfigured)
	}
	run := SyncRun{StartedAt: d.cache.now()}

	n, err := d.sync(ctx)
	run.FinishedAt = d.cache.now()
	run.Fetched = n
	if err != nil {
		run.Error = err.Error()
	}
	if rerr := d.cache.RecordSync(ctx, run); rerr != nil {
		d.logger.Warn("failed to record contacts sync", "error", rerr)
	}
	if err != nil {
		d.logger.Error("contacts sync failed", "error", err)
		return n, err
	}
	d.logger.Info("contacts synced", "fetched", n, "elapsed", run.FinishedAt.Sub(run.StartedAt))
	return n, nil
}

func (d *Directory) sync(ctx context.Context) (int, error) {
	all, err := d.remote.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list contacts: %w", err)
	}
	stamp, err := d.cache.Upsert(ctx, all)
	if err != nil {
		return len(all), err
	}
	// An empty listing is more likely an API hiccup than an empty address
	// book; keep the cache.
	if len(all) == 0 {
		return 0, nil
	}
	pruned, err := d.cache.PruneBefore(ctx, stamp)
	if err != nil {
		return len(all), err
	}
	if pruned > 0 {
		d.logger.Debug("pruned stale contacts", "count", pruned)
	}
	return len(all), nil
}

// Status summarizes the cache for the operator CLI.
func (d *Directory) Status(ctx context.Context) (count int, last *SyncRun, err error) {
	count, err = d.cache.Count(ctx)
	if err != nil {
		return 0, nil, err
	}
	last, err = d.cache.LastSync(ctx)
	return count, last, err
}

// Age returns how long ago the last successful sync finished, or -1.
func (d *Directory) Age(ctx context.Context) time.Duration {
	last, err := d.cache.LastSync(ctx)
	if err != nil || last == nil || last.Error != "" {
		return -1
	}
	return d.cache.now().Sub(last.FinishedAt)
}

var _ dispatch.ContactDirectory = (*Directory)(nil)
