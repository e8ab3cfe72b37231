package index

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// reconcileWorkers bounds how many files a reconciliation pass indexes concurrently.
const reconcileWorkers = 4

// FileError records a per-file failure during reconciliation.
type FileError struct {
	Path string `json:"path"`
	Err  error  `json:"-"`
}

func (e FileError) Error() string { return e.Path + ": " + e.Err.Error() }

// SyncReport summarises one reconciliation pass. Path lists are sorted.
type SyncReport struct {
	Created   []string    `json:"created"`
	Updated   []string    `json:"updated"`
	Removed   []string    `json:"removed"`
	Unchanged int         `json:"unchanged"`
	Errors    []FileError `json:"-"`
}

// Reconcile walks the workspace and brings the index up to date:
//   - files whose chunk sequence differs from the index are re-chunked and upserted
//   - indexed files no longer on disk are deleted
//
// A failure on one file is recorded in the report and never aborts the pass.
// The returned error is non-nil only when the workspace or index cannot be listed.
func (ix *Indexer) Reconcile(ctx context.Context) (*SyncReport, error) {
	metas, err := ix.store.List("")
	if err != nil {
		return nil, err
	}
	indexed, err := ix.db.FileHashes(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu     sync.Mutex
		report SyncReport
	)
	record := func(path string, change Change, err error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err != nil:
			report.Errors = append(report.Errors, FileError{Path: path, Err: err})
		case change == ChangeCreated:
			report.Created = append(report.Created, path)
		case change == ChangeUpdated:
			report.Updated = append(report.Updated, path)
		default:
			report.Unchanged++
		}
	}

	disk := make(map[string]struct{}, len(metas))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reconcileWorkers)
	for _, m := range metas {
		if ix.Ignored(m.Path) {
			continue
		}
		disk[m.Path] = struct{}{}
		path := m.Path
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			change, err := ix.IndexFile(gctx, path)
			if err != nil {
				ix.logger.Warn("sync: index failed", slog.String("path", path), slog.String("error", err.Error()))
			}
			record(path, change, err)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for p := range indexed {
		if _, ok := disk[p]; ok {
			continue
		}
		if _, err := ix.db.DeleteFile(ctx, p); err != nil {
			ix.logger.Warn("sync: delete failed", slog.String("path", p), slog.String("error", err.Error()))
			report.Errors = append(report.Errors, FileError{Path: p, Err: err})
			continue
		}
		ix.logger.Debug("sync: removed stale", slog.String("path", p))
		report.Removed = append(report.Removed, p)
	}

	sort.Strings(report.Created)
	sort.Strings(report.Updated)
	sort.Strings(report.Removed)
	sort.Slice(report.Errors, func(i, j int) bool { return report.Errors[i].Path < report.Errors[j].Path })

	ix.logger.Info("sync: done",
		slog.Int("created", len(report.Created)),
		slog.Int("updated", len(report.Updated)),
		slog.Int("removed", len(report.Removed)),
		slog.Int("unchanged", report.Unchanged),
		slog.Int("errors", len(report.Errors)),
	)
	return &report, nil
}
