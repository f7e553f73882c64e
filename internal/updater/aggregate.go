package updater

import (
	"context"
	"fmt"
	"strings"

	"github.com/repotools/depsync/internal/gitcmd"
	"github.com/repotools/depsync/internal/logfields"
)

// aggregateSubject returns the first line of the commit that advances all
// submodule pins of the product at once. It doubles as the review-system
// query pattern for an existing open aggregate change.
func (b *Batch) aggregateSubject() string {
	return fmt.Sprintf("Update submodules on '%s' in %s", b.Branch, b.Product)
}

// runAggregateUpdate pushes a change to the product repository that pins
// every submodule to the tip that was agreed on in this batch. It runs only
// after all modules finished without failures, so the resulting set is
// consistent.
func (b *Batch) runAggregateUpdate(ctx context.Context) error {
	logger := b.env.logger()

	head, err := b.env.Git.FetchRef(ctx, b.Product, resolveFetchRef(b.Branch, b.ProductRef))
	if err != nil {
		return fmt.Errorf("fetching product repository failed: %w", err)
	}

	submodules, err := listSubmodules(ctx, b.env, b.Product, head)
	if err != nil {
		return err
	}

	namespace := namespaceOf(b.Product)

	pins := map[string]gitcmd.OID{}
	for name, sub := range submodules {
		module, ok := b.Done[name]
		if !ok {
			if sub.Branch != "" && sub.Branch != b.Branch {
				continue
			}

			return fmt.Errorf("submodule %s was added to %s while the batch was running, aborting the aggregate update", name, b.Product)
		}

		pins[strings.TrimPrefix(name, namespace+"/")] = module.Tip
	}

	tree, err := b.env.Git.StageSubmodulePins(ctx, b.Product, head, pins)
	if err != nil {
		return fmt.Errorf("staging submodule pins failed: %w", err)
	}

	existing, err := b.env.Review.ExistingChange(ctx, b.Product, b.Branch, b.aggregateSubject())
	if err != nil {
		return fmt.Errorf("checking for an existing aggregate change failed: %w", err)
	}

	changeID := "I" + string(tree)
	if existing != nil {
		changeID = existing.ID
	}

	message := fmt.Sprintf("%s\n\nChange-Id: %s\n", b.aggregateSubject(), changeID)

	commit, err := b.env.Git.CommitTree(ctx, b.Product, tree, message, head)
	if err != nil {
		return fmt.Errorf("creating aggregate commit failed: %w", err)
	}

	if err := b.env.Git.PushRef(ctx, b.Product, commit, "refs/for/"+b.Branch, false); err != nil {
		return fmt.Errorf("pushing aggregate commit failed: %w", err)
	}

	if err := b.env.Review.ApproveAndStage(ctx, commit, "Updating all submodules with a new consistent set"); err != nil {
		return fmt.Errorf("staging aggregate change failed: %w", err)
	}

	logger.Info("aggregate submodule update pushed for review",
		logfields.Event("aggregate_pushed"),
		logfields.Product(b.Product),
		logfields.Branch(b.Branch),
		logfields.ChangeID(changeID),
		logfields.Commit(string(commit)),
	)

	b.env.Notify.Send(ctx, fmt.Sprintf(
		"All modules of %s on '%s' are up to date, submitted a consistent submodule set for integration: %s",
		b.Product, b.Branch, b.env.changeURL(string(commit)),
	))

	return nil
}
