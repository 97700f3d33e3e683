package repo

import (
	"context"

	"flanes/internal/adapters/diff"
	"flanes/internal/domain"
	"flanes/internal/observability"

	"github.com/google/uuid"
)

// PromoteOptions parameterizes Promote.
type PromoteOptions struct {
	SourceWorkspace string
	TargetLane      string
	Force           bool
}

// ConflictSide names which kind of change a path underwent on one side of a
// promote conflict.
type ConflictSide string

const (
	SideAdded    ConflictSide = "added"
	SideRemoved  ConflictSide = "removed"
	SideModified ConflictSide = "modified"
)

// Conflict names one colliding path and the kind of change each side made.
// Preview is an optional unified-diff hunk for human/orchestrator review; it
// never feeds back into conflict detection or resolution, which stay
// strictly path-level.
type Conflict struct {
	Path    string       `json:"path"`
	Source  ConflictSide `json:"source"`
	Target  ConflictSide `json:"target"`
	Preview string       `json:"preview,omitempty"`
}

// PromoteResult reports the outcome of Promote.
type PromoteResult struct {
	Conflicts  []Conflict
	NewHead    string
	Transition domain.Transition
}

// Promote composes a source workspace's lane head into target_lane with
// path-level conflict detection, never inspecting bytes to merge inside a
// file, per spec.md 4.4.
func (r *Repository) Promote(ctx context.Context, opts PromoteOptions) (result PromoteResult, err error) {
	ctx, span := observability.StartSpan(ctx, "promote")
	start := r.clock.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		} else if len(result.Conflicts) > 0 {
			outcome = "conflict"
		}
		observability.Observe("promote", outcome, r.clock.Now().Sub(start).Seconds())
		span.End()
	}()

	source, err := r.Ledger.GetWorkspace(ctx, opts.SourceWorkspace)
	if err != nil {
		return PromoteResult{}, err
	}
	sourceLane, err := r.Ledger.GetLane(ctx, source.Lane)
	if err != nil {
		return PromoteResult{}, err
	}
	targetLane, err := r.Ledger.GetLane(ctx, opts.TargetLane)
	if err != nil {
		return PromoteResult{}, err
	}

	S, T := sourceLane.HeadState, targetLane.HeadState
	ancestor, err := r.lowestCommonAncestor(ctx, S, T)
	if err != nil {
		return PromoteResult{}, err
	}
	if ancestor == "" && (S != "" && T != "") {
		return PromoteResult{}, domain.Newf(domain.ErrNoCommonAncestor, "lanes %q and %q share no common ancestor state", sourceLane.Name, targetLane.Name)
	}

	sourceDiff, err := r.Diff(ctx, ancestor, S)
	if err != nil {
		return PromoteResult{}, err
	}
	targetDiff, err := r.Diff(ctx, ancestor, T)
	if err != nil {
		return PromoteResult{}, err
	}

	conflicts := detectConflicts(sourceDiff, targetDiff)
	if len(conflicts) > 0 {
		conflicts = r.attachPreviews(ctx, conflicts, sourceDiff, targetDiff)
	}
	if len(conflicts) > 0 && !opts.Force {
		return PromoteResult{Conflicts: conflicts}, nil
	}

	newTargetTree, err := r.applyDiff(ctx, T, sourceDiff, conflicts, opts.Force)
	if err != nil {
		return PromoteResult{}, err
	}

	newState, err := r.Store.PutState(ctx, newTargetTree, T, r.clock.Now().Unix())
	if err != nil {
		return PromoteResult{}, err
	}
	newWorld, err := r.Store.GetState(ctx, newState)
	if err != nil {
		return PromoteResult{}, err
	}
	if err := r.Ledger.InsertState(ctx, newState, newWorld); err != nil {
		return PromoteResult{}, err
	}

	intent := domain.Intent{
		ID:        uuid.NewString(),
		Prompt:    "promote from " + sourceLane.Name,
		CreatedAt: r.clock.Now().Unix(),
		Metadata:  map[string]any{"from": sourceLane.Name},
	}
	t := domain.Transition{
		ID:        uuid.NewString(),
		FromState: T,
		ToState:   newState,
		Lane:      targetLane.Name,
		Intent:    intent,
		Status:    domain.StatusProposed,
		CreatedAt: r.clock.Now().Unix(),
		Tags:      []string{"promote", "from:" + sourceLane.Name},
	}
	id, err := r.Ledger.InsertTransition(ctx, t)
	if err != nil {
		return PromoteResult{}, err
	}
	t.ID = id
	if err := r.Accept(ctx, t.ID); err != nil {
		return PromoteResult{}, err
	}
	t.Status = domain.StatusAccepted

	return PromoteResult{Conflicts: conflicts, NewHead: newState, Transition: t}, nil
}

// detectConflicts finds paths present in both diffs and classifies each
// side's change. Removal-vs-modification is always a conflict; identical
// content changes on both sides are not.
func detectConflicts(sourceDiff, targetDiff DiffResult) []Conflict {
	var conflicts []Conflict
	classify := func(d DiffResult, path string) (ConflictSide, domain.TreeEntry, bool) {
		if e, ok := d.Added[path]; ok {
			return SideAdded, e, true
		}
		if e, ok := d.Removed[path]; ok {
			return SideRemoved, e, true
		}
		if e, ok := d.Modified[path]; ok {
			return SideModified, e, true
		}
		return "", domain.TreeEntry{}, false
	}
	seen := make(map[string]bool)
	for path := range sourceDiff.touched() {
		if seen[path] {
			continue
		}
		seen[path] = true
		sSide, sEntry, sOK := classify(sourceDiff, path)
		tSide, tEntry, tOK := classify(targetDiff, path)
		if !sOK || !tOK {
			continue
		}
		if sSide == SideModified && tSide == SideModified && sEntry.Hash == tEntry.Hash && sEntry.Mode == tEntry.Mode {
			continue // identical content change on both sides: not a conflict
		}
		if sSide == SideAdded && tSide == SideAdded && sEntry.Hash == tEntry.Hash && sEntry.Mode == tEntry.Mode {
			continue
		}
		conflicts = append(conflicts, Conflict{Path: path, Source: sSide, Target: tSide})
	}
	return conflicts
}

// attachPreviews renders an optional unified-diff hunk per conflict, for
// human/orchestrator review. Failures or non-text content simply leave
// Preview empty; a preview is never required for promote to proceed.
func (r *Repository) attachPreviews(ctx context.Context, conflicts []Conflict, sourceDiff, targetDiff DiffResult) []Conflict {
	entryFor := func(d DiffResult, path string) (domain.TreeEntry, bool) {
		if e, ok := d.Added[path]; ok {
			return e, true
		}
		if e, ok := d.Modified[path]; ok {
			return e, true
		}
		return domain.TreeEntry{}, false
	}
	out := make([]Conflict, len(conflicts))
	for i, c := range conflicts {
		out[i] = c
		targetEntry, hasTarget := entryFor(targetDiff, c.Path)
		sourceEntry, hasSource := entryFor(sourceDiff, c.Path)
		if !hasTarget && !hasSource {
			continue
		}
		var oldContent, newContent []byte
		if hasTarget && targetEntry.Kind == domain.EntryBlob {
			if content, err := r.Store.GetBlob(ctx, targetEntry.Hash); err == nil {
				oldContent = content
			}
		}
		if hasSource && sourceEntry.Kind == domain.EntryBlob {
			if content, err := r.Store.GetBlob(ctx, sourceEntry.Hash); err == nil {
				newContent = content
			}
		}
		if preview, ok, err := diff.Preview(c.Path, oldContent, newContent); err == nil && ok {
			out[i].Preview = preview
		}
	}
	return out
}

func (d DiffResult) touched() map[string]struct{} {
	out := make(map[string]struct{}, len(d.Added)+len(d.Removed)+len(d.Modified))
	for p := range d.Added {
		out[p] = struct{}{}
	}
	for p := range d.Removed {
		out[p] = struct{}{}
	}
	for p := range d.Modified {
		out[p] = struct{}{}
	}
	return out
}

// applyDiff rebuilds targetState's tree by applying sourceDiff path by path:
// added/modified paths overwrite target content, removed paths delete from
// target, except conflicting paths, which apply source content only under
// force.
func (r *Repository) applyDiff(ctx context.Context, targetState string, sourceDiff DiffResult, conflicts []Conflict, force bool) (string, error) {
	conflictPaths := make(map[string]bool, len(conflicts))
	for _, c := range conflicts {
		conflictPaths[c.Path] = true
	}

	targetTree, err := r.rootTreeOf(ctx, targetState)
	if err != nil {
		return "", err
	}
	flat := make(map[string]domain.TreeEntry)
	if targetTree != "" {
		if err := r.flattenTree(ctx, targetTree, "", flat); err != nil {
			return "", err
		}
	}

	apply := func(path string, entry domain.TreeEntry, remove bool) {
		if conflictPaths[path] && !force {
			return // conflict without force: leave target side untouched
		}
		if remove {
			delete(flat, path)
			return
		}
		flat[path] = entry
	}
	for path, e := range sourceDiff.Added {
		apply(path, e, false)
	}
	for path, e := range sourceDiff.Modified {
		apply(path, e, false)
	}
	for path := range sourceDiff.Removed {
		apply(path, domain.TreeEntry{}, true)
	}

	return r.buildTreeFromFlat(ctx, flat)
}

// flattenTree is the repo-side counterpart of the workspace manager's
// unexported flatten helper, walking a stored tree into a flat path map.
func (r *Repository) flattenTree(ctx context.Context, treeHash, prefix string, out map[string]domain.TreeEntry) error {
	entries, err := r.Store.GetTree(ctx, treeHash)
	if err != nil {
		return err
	}
	for _, e := range entries {
		p := e.Name
		if prefix != "" {
			p = prefix + "/" + e.Name
		}
		if e.Kind == domain.EntryTree {
			if err := r.flattenTree(ctx, e.Hash, p, out); err != nil {
				return err
			}
			continue
		}
		out[p] = e
	}
	return nil
}

// buildTreeFromFlat reconstructs a nested tree hierarchy from a flat
// path -> entry map and ingests it bottom-up into the store, returning the
// root tree hash.
func (r *Repository) buildTreeFromFlat(ctx context.Context, flat map[string]domain.TreeEntry) (string, error) {
	type node struct {
		files    map[string]domain.TreeEntry
		children map[string]*node
	}
	newNode := func() *node { return &node{files: map[string]domain.TreeEntry{}, children: map[string]*node{}} }
	root := newNode()

	for path, entry := range flat {
		segments := splitPath(path)
		cur := root
		for i, seg := range segments {
			if i == len(segments)-1 {
				cur.files[seg] = entry
				continue
			}
			child, ok := cur.children[seg]
			if !ok {
				child = newNode()
				cur.children[seg] = child
			}
			cur = child
		}
	}

	var build func(n *node) (string, error)
	build = func(n *node) (string, error) {
		var entries []domain.TreeEntry
		for name, e := range n.files {
			entries = append(entries, domain.TreeEntry{Name: name, Kind: domain.EntryBlob, Hash: e.Hash, Mode: e.Mode})
		}
		for name, child := range n.children {
			childHash, err := build(child)
			if err != nil {
				return "", err
			}
			entries = append(entries, domain.TreeEntry{Name: name, Kind: domain.EntryTree, Hash: childHash, Mode: 0o755})
		}
		return r.Store.PutTree(ctx, entries)
	}
	return build(root)
}

func splitPath(path string) []string {
	var segments []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			segments = append(segments, path[start:i])
			start = i + 1
		}
	}
	segments = append(segments, path[start:])
	return segments
}

// lowestCommonAncestor walks both states' parent chains to find the most
// recent common ancestor. The empty state ("" — no state at all) ends every
// chain, so this returns "" when the two chains share no real state; a
// failed GetState during the walk is returned as an error. Promote reports
// NoCommonAncestor when this returns "" and both lane heads are non-empty.
func (r *Repository) lowestCommonAncestor(ctx context.Context, a, b string) (string, error) {
	ancestorsOfA := map[string]bool{"": true}
	cur := a
	for cur != "" {
		ancestorsOfA[cur] = true
		state, err := r.Store.GetState(ctx, cur)
		if err != nil {
			return "", err
		}
		cur = state.ParentID
	}
	cur = b
	for {
		if ancestorsOfA[cur] {
			return cur, nil
		}
		state, err := r.Store.GetState(ctx, cur)
		if err != nil {
			return "", err
		}
		cur = state.ParentID
	}
}
