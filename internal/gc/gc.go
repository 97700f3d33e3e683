// Package gc implements the mark-and-sweep garbage collector: it walks
// every live root through the content store and deletes everything the
// ledger and store report as unreachable, against the Ledger/Store
// interfaces so it runs unmodified over any backend combination.
package gc

import (
	"context"
	"log/slog"
	"time"

	"flanes/internal/cas"
	"flanes/internal/domain"
	"flanes/internal/ledger"
	"flanes/internal/observability"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
)

// Options configures one GC run.
type Options struct {
	MaxAgeDays int  // rejected transitions older than this are deleted
	DryRun     bool // true: report without deleting; the zero value (false) deletes
}

// Report summarizes one GC run's effect, per spec.md 4.5.
type Report struct {
	Reachable          int           `json:"reachable"`
	DeletedObjects     int           `json:"deleted_objects"`
	DeletedBytes       int64         `json:"deleted_bytes"`
	DeletedStates      int           `json:"deleted_states"`
	DeletedTransitions int           `json:"deleted_transitions"`
	PrunedCache        int           `json:"pruned_cache"`
	Elapsed            time.Duration `json:"-"`
	ElapsedMS          int64         `json:"elapsed_ms"`
}

var (
	runsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flanes_gc_runs_total",
		Help: "Total number of garbage collector invocations.",
	})
	objectsReclaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flanes_gc_objects_reclaimed_total",
		Help: "Total number of blob and tree objects reclaimed by garbage collection.",
	})
	bytesReclaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flanes_gc_bytes_reclaimed_total",
		Help: "Total number of bytes reclaimed by garbage collection.",
	})
)

func init() {
	prometheus.MustRegister(runsTotal, objectsReclaimed, bytesReclaimed)
}

// Collector runs mark-and-sweep GC over a store and ledger pair.
type Collector struct {
	Store  cas.Store
	Ledger ledger.Ledger
	Stats  *cas.StatCache // optional; pruned of entries referencing deleted blobs
	Log    *slog.Logger
}

// New constructs a Collector. log may be nil, in which case slog.Default is
// used.
func New(store cas.Store, led ledger.Ledger, stats *cas.StatCache, log *slog.Logger) *Collector {
	if log == nil {
		log = slog.Default()
	}
	return &Collector{Store: store, Ledger: led, Stats: stats, Log: log}
}

// Run performs one mark-and-sweep pass. With Options.DryRun set it only
// marks and reports. A zero-value Options is not a dry run: DryRun false
// deletes expired rejected transitions, orphan states, and unmarked
// blobs/trees.
func (c *Collector) Run(ctx context.Context, opts Options) (Report, error) {
	ctx, span := observability.StartSpan(ctx, "gc")
	defer span.End()

	start := time.Now()
	runsTotal.Inc()

	now := start.Unix()
	roots, err := c.Ledger.LiveRoots(ctx, opts.MaxAgeDays, now)
	if err != nil {
		return Report{}, err
	}

	live, err := c.markLive(ctx, roots)
	if err != nil {
		return Report{}, err
	}

	report := Report{Reachable: len(live.states) + len(live.trees) + len(live.blobs)}

	if !opts.DryRun {
		deletedTransitions, err := c.Ledger.DeleteExpiredTransitions(ctx, opts.MaxAgeDays, now)
		if err != nil {
			return Report{}, err
		}
		report.DeletedTransitions = deletedTransitions

		deletedStates, err := c.deleteUnreachableStates(ctx, live.states)
		if err != nil {
			return Report{}, err
		}
		report.DeletedStates = len(deletedStates)

		deletedObjects, deletedBytes, err := c.sweepObjects(ctx, live)
		if err != nil {
			return Report{}, err
		}
		report.DeletedObjects = deletedObjects
		report.DeletedBytes = deletedBytes
		objectsReclaimed.Add(float64(deletedObjects))
		bytesReclaimed.Add(float64(deletedBytes))

		if c.Stats != nil {
			report.PrunedCache = c.Stats.PruneMissing(func(hash string) bool {
				return live.blobs[hash]
			})
		}
	}

	report.Elapsed = time.Since(start)
	report.ElapsedMS = report.Elapsed.Milliseconds()

	c.Log.InfoContext(ctx, "gc run complete",
		"reachable", report.Reachable,
		"deleted_objects", report.DeletedObjects,
		"deleted_bytes", humanize.Bytes(uint64(report.DeletedBytes)),
		"deleted_states", report.DeletedStates,
		"deleted_transitions", report.DeletedTransitions,
		"pruned_cache", report.PrunedCache,
		"elapsed_ms", report.ElapsedMS,
		"dry_run", opts.DryRun,
	)
	return report, nil
}

type liveSet struct {
	states map[string]bool
	trees  map[string]bool
	blobs  map[string]bool
}

// markLive performs the BFS from roots through state -> root_tree -> tree
// entries (recursively) -> blobs, marking every visited hash live.
func (c *Collector) markLive(ctx context.Context, roots []string) (liveSet, error) {
	set := liveSet{states: map[string]bool{}, trees: map[string]bool{}, blobs: map[string]bool{}}
	for _, root := range roots {
		if root == "" || set.states[root] {
			continue
		}
		if err := c.markState(ctx, root, &set); err != nil {
			return liveSet{}, err
		}
	}
	return set, nil
}

func (c *Collector) markState(ctx context.Context, stateHash string, set *liveSet) error {
	if set.states[stateHash] {
		return nil
	}
	set.states[stateHash] = true
	state, err := c.Store.GetState(ctx, stateHash)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}
	if state.RootTree != "" {
		if err := c.markTree(ctx, state.RootTree, set); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collector) markTree(ctx context.Context, treeHash string, set *liveSet) error {
	if set.trees[treeHash] {
		return nil
	}
	set.trees[treeHash] = true
	entries, err := c.Store.GetTree(ctx, treeHash)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		switch e.Kind {
		case domain.EntryTree:
			if err := c.markTree(ctx, e.Hash, set); err != nil {
				return err
			}
		case domain.EntryBlob:
			set.blobs[e.Hash] = true
		}
	}
	return nil
}

func (c *Collector) deleteUnreachableStates(ctx context.Context, liveStates map[string]bool) ([]string, error) {
	return c.Ledger.DeleteOrphanStates(ctx, liveStates)
}

// sweepObjects deletes every blob and tree hash the store holds that isn't
// in the live set, returning the count and total byte size deleted.
func (c *Collector) sweepObjects(ctx context.Context, live liveSet) (int, int64, error) {
	deleted := 0
	var deletedBytes int64

	var blobHashes, treeHashes []string
	if err := c.Store.IterKeys(ctx, cas.KindBlob, func(hash string) error {
		if !live.blobs[hash] {
			blobHashes = append(blobHashes, hash)
		}
		return nil
	}); err != nil {
		return 0, 0, err
	}
	if err := c.Store.IterKeys(ctx, cas.KindTree, func(hash string) error {
		if !live.trees[hash] {
			treeHashes = append(treeHashes, hash)
		}
		return nil
	}); err != nil {
		return 0, 0, err
	}

	for _, hash := range blobHashes {
		content, err := c.Store.GetBlob(ctx, hash)
		if err == nil {
			deletedBytes += int64(len(content))
		}
		if err := c.Store.Delete(ctx, cas.KindBlob, hash); err != nil {
			return deleted, deletedBytes, err
		}
		deleted++
	}
	for _, hash := range treeHashes {
		if err := c.Store.Delete(ctx, cas.KindTree, hash); err != nil {
			return deleted, deletedBytes, err
		}
		deleted++
	}
	return deleted, deletedBytes, nil
}

func isNotFound(err error) bool {
	de, ok := err.(*domain.Error)
	return ok && de.Kind == domain.KindNotFound
}
