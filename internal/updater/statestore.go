package updater

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/repotools/depsync/internal/gitcmd"
	"github.com/repotools/depsync/internal/logfields"
)

// stateFileName is the name of the batch state file inside the state ref's
// tree.
const stateFileName = "state.json"

// stateCommitMessage is the commit message of state snapshots. The commits
// are parentless throwaways, only the tree matters.
const stateCommitMessage = "depsync batch state"

// ResetState discards the persisted batch state for product and branch, the
// next invocation starts a fresh batch.
func ResetState(ctx context.Context, env *Env, product, branch string) error {
	b := &Batch{Product: product, Branch: branch, env: env}
	return b.clearState(ctx)
}

// stateRef returns the personal ref in the product repository under which
// the batch state for b.Branch is stored.
func (b *Batch) stateRef() string {
	user := b.env.Git.PushUser()
	if user == "" {
		user = "depsync"
	}

	return "refs/personal/" + user + "/state/" + b.Branch
}

// saveState serializes the batch and pushes it to the state ref, replacing
// any previous snapshot.
func (b *Batch) saveState(ctx context.Context) error {
	data, err := json.MarshalIndent(b, "", "    ")
	if err != nil {
		return fmt.Errorf("serializing batch state failed: %w", err)
	}

	staged, err := b.env.Git.StageFile(ctx, b.Product, "", stateFileName, data)
	if err != nil {
		return fmt.Errorf("staging batch state failed: %w", err)
	}

	commit, err := b.env.Git.CommitTree(ctx, b.Product, staged.Tree, stateCommitMessage)
	if err != nil {
		return fmt.Errorf("committing batch state failed: %w", err)
	}

	if err := b.env.Git.PushRef(ctx, b.Product, commit, b.stateRef(), true); err != nil {
		return fmt.Errorf("pushing batch state failed: %w", err)
	}

	b.env.logger().Info("batch state saved",
		logfields.Event("state_saved"),
		logfields.Product(b.Product),
		logfields.Branch(b.Branch),
		logfields.Commit(string(commit)),
	)

	return nil
}

// loadState restores the batch from the state ref. It returns an error
// wrapping os.ErrNotExist if no snapshot exists.
func (b *Batch) loadState(ctx context.Context) error {
	commit, err := b.env.Git.FetchRef(ctx, b.Product, b.stateRef())
	if err != nil {
		// a missing ref and a fetch failure are indistinguishable
		// here, in both cases a fresh batch is started
		return fmt.Errorf("fetching state ref %s failed: %w", b.stateRef(), os.ErrNotExist)
	}

	tree, err := b.env.Git.ListTree(ctx, b.Product, commit)
	if err != nil {
		return fmt.Errorf("listing state tree failed: %w", err)
	}

	entry, ok := tree.Entries[stateFileName]
	if !ok {
		return fmt.Errorf("state commit %s: %s: %w", commit, stateFileName, os.ErrNotExist)
	}

	data, err := b.env.Git.ReadBlob(ctx, b.Product, entry.ID)
	if err != nil {
		return fmt.Errorf("reading state blob failed: %w", err)
	}

	if err := json.Unmarshal(data, b); err != nil {
		return fmt.Errorf("deserializing batch state failed: %w", err)
	}

	return nil
}

// clearState deletes the state ref, ending the persisted batch.
func (b *Batch) clearState(ctx context.Context) error {
	if err := b.env.Git.PushRef(ctx, b.Product, gitcmd.OID(""), b.stateRef(), true); err != nil {
		return fmt.Errorf("deleting batch state failed: %w", err)
	}

	b.env.logger().Info("batch state cleared",
		logfields.Event("state_cleared"),
		logfields.Product(b.Product),
		logfields.Branch(b.Branch),
	)

	return nil
}
