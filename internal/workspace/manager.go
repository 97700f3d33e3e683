// Package workspace implements physical directory materialization,
// incremental sync from trees, atomic metadata writes, and cross-platform
// advisory locking for workspace directories.
package workspace

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"flanes/internal/cas"
	"flanes/internal/domain"
	"golang.org/x/sync/errgroup"
)

// syncWorkers bounds the parallel file-write phase of Update, since
// spec.md's end-to-end scenario 5 (10,000-file workspace, one changed file)
// is the common case, but large multi-file rebases from promote benefit
// from concurrent blob reads/writes.
const syncWorkers = 8

// Manager materializes, updates, and snapshots workspace directories
// against a content-addressed store.
type Manager struct {
	store cas.Store
	stats *cas.StatCache
}

// NewManager constructs a Manager backed by store, with its own stat cache
// for skip-unchanged-file acceleration during Snapshot.
func NewManager(store cas.Store) *Manager {
	return &Manager{store: store, stats: cas.NewStatCache()}
}

// Materialize writes the full tree of rootTreeHash into dir, which must not
// already contain conflicting files (a fresh workspace or one being fully
// re-created after dirty recovery).
func (m *Manager) Materialize(ctx context.Context, dir, rootTreeHash string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	if err := markDirty(dir, rootTreeHash); err != nil {
		return err
	}
	if err := m.materializeTree(ctx, dir, rootTreeHash); err != nil {
		return err
	}
	return clearDirty(dir)
}

func (m *Manager) materializeTree(ctx context.Context, dir, treeHash string) error {
	if err := ctx.Err(); err != nil {
		return domain.Wrap(domain.ErrCanceled, err, "materialize canceled")
	}
	entries, err := m.store.GetTree(ctx, treeHash)
	if err != nil {
		return err
	}
	for _, e := range entries {
		target := filepath.Join(dir, e.Name)
		switch e.Kind {
		case domain.EntryTree:
			if err := os.MkdirAll(target, 0o750); err != nil {
				return err
			}
			if err := m.materializeTree(ctx, target, e.Hash); err != nil {
				return err
			}
		case domain.EntryBlob:
			content, err := m.store.GetBlob(ctx, e.Hash)
			if err != nil {
				return err
			}
			if err := writeBlobFile(target, content, os.FileMode(e.Mode)); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeBlobFile(path string, content []byte, mode os.FileMode) error {
	if mode == 0 {
		mode = 0o644
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// pathDiff is the three-way classification of a tree comparison.
type pathDiff struct {
	Added    map[string]domain.TreeEntry
	Removed  map[string]domain.TreeEntry
	Modified map[string]domain.TreeEntry // new entry at a path that existed before
}

// TreeDiff computes tree-diff(current, target): added/removed/modified maps
// keyed by slash-joined relative path.
func (m *Manager) TreeDiff(ctx context.Context, currentTree, targetTree string) (pathDiff, error) {
	current := make(map[string]domain.TreeEntry)
	if currentTree != "" {
		if err := m.flatten(ctx, currentTree, "", current); err != nil {
			return pathDiff{}, err
		}
	}
	target := make(map[string]domain.TreeEntry)
	if targetTree != "" {
		if err := m.flatten(ctx, targetTree, "", target); err != nil {
			return pathDiff{}, err
		}
	}
	diff := pathDiff{Added: map[string]domain.TreeEntry{}, Removed: map[string]domain.TreeEntry{}, Modified: map[string]domain.TreeEntry{}}
	for path, entry := range target {
		if old, ok := current[path]; !ok {
			diff.Added[path] = entry
		} else if old.Hash != entry.Hash || old.Mode != entry.Mode || old.Kind != entry.Kind {
			diff.Modified[path] = entry
		}
	}
	for path, entry := range current {
		if _, ok := target[path]; !ok {
			diff.Removed[path] = entry
		}
	}
	return diff, nil
}

// flatten walks tree recursively, only descending into subtrees (blob leaf
// entries are recorded directly), producing a flat path -> entry map.
func (m *Manager) flatten(ctx context.Context, treeHash, prefix string, out map[string]domain.TreeEntry) error {
	entries, err := m.store.GetTree(ctx, treeHash)
	if err != nil {
		return err
	}
	for _, e := range entries {
		p := e.Name
		if prefix != "" {
			p = prefix + "/" + e.Name
		}
		if e.Kind == domain.EntryTree {
			if err := m.flatten(ctx, e.Hash, p, out); err != nil {
				return err
			}
			continue
		}
		out[p] = e
	}
	return nil
}

// Update diffs the workspace's currently-materialized tree against target
// and applies the minimal set of writes/deletes: remove files, then remove
// empty directories, then create directories, then write modified/added
// files, per spec.md 4.3's incremental update algorithm. Untracked files at
// a path the target tree also defines cause a refusal (Conflict kind),
// per spec.md section 9's conservative recommendation for this open
// question.
func (m *Manager) Update(ctx context.Context, dir, currentTree, targetTree string) error {
	diff, err := m.TreeDiff(ctx, currentTree, targetTree)
	if err != nil {
		return err
	}
	if err := markDirty(dir, targetTree); err != nil {
		return err
	}

	if err := m.checkUntrackedConflicts(dir, currentTree, diff); err != nil {
		return err
	}

	removedPaths := make([]string, 0, len(diff.Removed))
	for p := range diff.Removed {
		removedPaths = append(removedPaths, p)
	}
	sort.Strings(removedPaths)
	for _, p := range removedPaths {
		if err := os.Remove(filepath.Join(dir, filepath.FromSlash(p))); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	if err := removeEmptyDirs(dir, removedPaths); err != nil {
		return err
	}

	toWrite := make(map[string]domain.TreeEntry, len(diff.Added)+len(diff.Modified))
	for p, e := range diff.Added {
		toWrite[p] = e
	}
	for p, e := range diff.Modified {
		toWrite[p] = e
	}
	writePaths := make([]string, 0, len(toWrite))
	for p := range toWrite {
		writePaths = append(writePaths, p)
	}
	sort.Strings(writePaths)
	for _, p := range writePaths {
		if err := os.MkdirAll(filepath.Dir(filepath.Join(dir, filepath.FromSlash(p))), 0o750); err != nil {
			return err
		}
	}

	if err := m.writeFilesParallel(ctx, dir, writePaths, toWrite); err != nil {
		return err
	}

	return clearDirty(dir)
}

// checkUntrackedConflicts refuses when a path present in the new tree but
// absent from the old tree already exists on disk untracked by currentTree.
func (m *Manager) checkUntrackedConflicts(dir, currentTree string, diff pathDiff) error {
	for p := range diff.Added {
		full := filepath.Join(dir, filepath.FromSlash(p))
		if _, err := os.Lstat(full); err == nil {
			return domain.Newf(domain.ErrUntrackedConflict, "untracked file at %q conflicts with target tree", p).
				WithField("path", p)
		}
	}
	return nil
}

func (m *Manager) writeFilesParallel(ctx context.Context, dir string, paths []string, entries map[string]domain.TreeEntry) error {
	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, syncWorkers)
	for _, p := range paths {
		p := p
		entry := entries[p]
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			defer func() { <-sem }()
			content, err := m.store.GetBlob(gctx, entry.Hash)
			if err != nil {
				return err
			}
			return writeBlobFile(filepath.Join(dir, filepath.FromSlash(p)), content, os.FileMode(entry.Mode))
		})
	}
	return g.Wait()
}

// removeEmptyDirs walks up from each removed path's parent, removing
// directories left empty by the removal.
func removeEmptyDirs(root string, removedPaths []string) error {
	seen := make(map[string]bool)
	for _, p := range removedPaths {
		dir := filepath.Dir(filepath.Join(root, filepath.FromSlash(p)))
		for dir != root && dir != "." && dir != string(filepath.Separator) {
			if seen[dir] {
				break
			}
			seen[dir] = true
			entries, err := os.ReadDir(dir)
			if err != nil {
				break
			}
			if len(entries) > 0 {
				break
			}
			if err := os.Remove(dir); err != nil {
				break
			}
			dir = filepath.Dir(dir)
		}
	}
	return nil
}

// Snapshot walks dir respecting ignore rules, ingests blobs and trees
// bottom-up, and returns a new state whose parent is baseState.
func (m *Manager) Snapshot(ctx context.Context, dir, baseState string, now time.Time) (string, error) {
	matcher, err := NewMatcher(dir)
	if err != nil {
		return "", err
	}
	rootTree, err := m.snapshotDir(ctx, dir, "", matcher)
	if err != nil {
		return "", err
	}
	return m.store.PutState(ctx, rootTree, baseState, now.Unix())
}

func (m *Manager) snapshotDir(ctx context.Context, absDir, relDir string, matcher *Matcher) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", domain.Wrap(domain.ErrCanceled, err, "snapshot canceled")
	}
	dirEntries, err := os.ReadDir(absDir)
	if err != nil {
		return "", err
	}
	sort.Slice(dirEntries, func(i, j int) bool { return dirEntries[i].Name() < dirEntries[j].Name() })

	var entries []domain.TreeEntry
	for _, de := range dirEntries {
		name := de.Name()
		rel := name
		if relDir != "" {
			rel = relDir + "/" + name
		}
		info, err := de.Info()
		if err != nil {
			return "", err
		}
		isDir := de.IsDir()
		if matcher.Match(rel, isDir) {
			continue
		}
		if info.Mode()&os.ModeSymlink != 0 {
			continue // symlinks are never followed
		}
		absPath := filepath.Join(absDir, name)
		if isDir {
			childHash, err := m.snapshotDir(ctx, absPath, rel, matcher)
			if err != nil {
				return "", err
			}
			if childHash == "" {
				continue // empty subtree after ignore filtering: omit
			}
			entries = append(entries, domain.TreeEntry{Name: name, Kind: domain.EntryTree, Hash: childHash, Mode: uint32(info.Mode().Perm())})
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		hash, err := m.hashFile(ctx, absPath, info)
		if err != nil {
			return "", err
		}
		mode := uint32(0o644)
		if info.Mode()&0o111 != 0 {
			mode = 0o755
		}
		entries = append(entries, domain.TreeEntry{Name: name, Kind: domain.EntryBlob, Hash: hash, Mode: mode})
	}
	if len(entries) == 0 && relDir != "" {
		return "", nil
	}
	return m.store.PutTree(ctx, entries)
}

func (m *Manager) hashFile(ctx context.Context, path string, info os.FileInfo) (string, error) {
	key := cas.StatKey{Path: path, Size: info.Size(), ModTime: info.ModTime()}
	if hash, ok := m.stats.Lookup(key); ok {
		if has, err := m.store.Has(ctx, hash); err == nil && has {
			return hash, nil
		}
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	hash, err := m.store.PutBlob(ctx, content)
	if err != nil {
		return "", err
	}
	m.stats.Put(key, hash)
	return hash, nil
}

// StatCache exposes the manager's stat cache, e.g. for GC's stale-entry
// pruning pass.
func (m *Manager) StatCache() *cas.StatCache { return m.stats }
