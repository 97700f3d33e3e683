package repo

import (
	"context"

	"flanes/internal/domain"
	"flanes/internal/ledger"
)

// History returns transitions matching filter, most recent first.
func (r *Repository) History(ctx context.Context, filter ledger.HistoryFilter) ([]domain.Transition, error) {
	return r.Ledger.History(ctx, filter)
}

// Trace walks parent_id from state back to genesis, emitting the transition
// whose to_state equals each visited node.
func (r *Repository) Trace(ctx context.Context, state string) ([]domain.Transition, error) {
	return r.Ledger.Trace(ctx, state)
}

// DiffResult is the tree-level three-set difference between two states,
// keyed by path, with the blob hash on each side for callers that want to
// resolve content.
type DiffResult struct {
	Added    map[string]domain.TreeEntry `json:"added"`
	Removed  map[string]domain.TreeEntry `json:"removed"`
	Modified map[string]domain.TreeEntry `json:"modified"`
}

// Diff computes tree-diff(a, b) over two state hashes.
func (r *Repository) Diff(ctx context.Context, stateA, stateB string) (DiffResult, error) {
	treeA, err := r.rootTreeOf(ctx, stateA)
	if err != nil {
		return DiffResult{}, err
	}
	treeB, err := r.rootTreeOf(ctx, stateB)
	if err != nil {
		return DiffResult{}, err
	}
	d, err := r.Manager.TreeDiff(ctx, treeA, treeB)
	if err != nil {
		return DiffResult{}, err
	}
	return DiffResult(d), nil
}

func (r *Repository) rootTreeOf(ctx context.Context, stateHash string) (string, error) {
	if stateHash == "" {
		return "", nil
	}
	state, err := r.Store.GetState(ctx, stateHash)
	if err != nil {
		return "", err
	}
	return state.RootTree, nil
}

// Search does a substring match over prompt/tags/agent identity, ranked by
// cosine similarity against stored intent embeddings when an Embedder is
// configured and has vectors for the matched intents, per spec.md 4.4's
// search operation.
func (r *Repository) Search(ctx context.Context, query string, embedder Embedder) ([]domain.Transition, error) {
	matches, err := r.Ledger.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	if embedder == nil {
		return matches, nil
	}
	return rankBySimilarity(ctx, r.Ledger, embedder, query, matches)
}

