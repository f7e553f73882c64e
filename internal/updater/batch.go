package updater

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"go.uber.org/zap"

	"github.com/repotools/depsync/internal/gerrit"
	"github.com/repotools/depsync/internal/gitcmd"
	"github.com/repotools/depsync/internal/logfields"
)

// maxIntegrationAttempts bounds how often a change that fell out of the
// staging pipeline is re-approved and re-staged before the module is given
// up on. Changes that are still being processed are never counted against
// this limit.
const maxIntegrationAttempts = 3

// PendingUpdate tracks an update commit that was pushed to the review system
// and has not reached a terminal state yet.
type PendingUpdate struct {
	Module              *Module    `json:"module"`
	ChangeID            string     `json:"change_id"`
	CommitID            gitcmd.OID `json:"commit_id"`
	IntegrationAttempts int        `json:"integration_attempts"`
}

// Batch is the state of one dependency-update round for a product branch.
// It is persisted between process invocations, each invocation advances the
// batch by one iteration and exits.
type Batch struct {
	Product    string `json:"product"`
	ProductRef string `json:"product_ref,omitempty"`
	Branch     string `json:"branch"`

	// Todo holds the modules that still need a dependency update, Done the
	// modules whose manifests are final for this batch. A module is in
	// exactly one of Todo, Done or Pending.
	Todo map[string]*Module `json:"todo"`
	Done map[string]*Module `json:"done"`

	Pending []*PendingUpdate `json:"pending"`

	// FailedModuleCount counts the modules whose update was given up on
	// directly. Transitively removed dependents are not counted.
	FailedModuleCount int `json:"failed_module_count"`

	env *Env
}

// NewBatch resumes the persisted batch for product and branch, or starts a
// new one from the product's current submodule declarations.
func NewBatch(ctx context.Context, env *Env, product, branch, productRef string) (*Batch, error) {
	b := &Batch{
		Product:    product,
		ProductRef: productRef,
		Branch:     branch,
		env:        env,
	}

	err := b.loadState(ctx)
	if err == nil {
		env.logger().Info("resuming batch from saved state",
			logfields.Event("batch_resumed"),
			logfields.Product(product),
			logfields.Branch(branch),
			zap.Int("todo", len(b.Todo)),
			zap.Int("pending", len(b.Pending)),
			zap.Int("done", len(b.Done)),
		)

		return b, nil
	}

	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading batch state failed: %w", err)
	}

	if err := b.loadTodoList(ctx); err != nil {
		return nil, err
	}

	env.logger().Info("starting new batch",
		logfields.Event("batch_started"),
		logfields.Product(product),
		logfields.Branch(branch),
		zap.Int("todo", len(b.Todo)),
		zap.Int("done", len(b.Done)),
	)

	return b, nil
}

// loadTodoList initializes Todo and Done from the product's submodule
// declarations.
func (b *Batch) loadTodoList(ctx context.Context) error {
	submodules, err := LoadSubmodules(ctx, b.env, b.Product, b.Branch, b.ProductRef)
	if err != nil {
		return err
	}

	b.Todo = map[string]*Module{}
	b.Done = map[string]*Module{}
	b.Pending = nil
	b.FailedModuleCount = 0

	names := make([]string, 0, len(submodules))
	for name := range submodules {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		module, err := NewModule(ctx, b.env, name, b.Branch, submodules)
		if err != nil {
			return err
		}

		if b.moduleIsPreSatisfied(name, submodules[name], module) {
			b.Done[name] = module
			continue
		}

		b.Todo[name] = module
	}

	return nil
}

// moduleIsPreSatisfied decides whether a module starts the batch in Done.
// The root module is the source of the update wave and inherited modules are
// not versioned per branch. Modules tracking a different branch than the
// batch are treated as already final, their tips are used as-is.
func (b *Batch) moduleIsPreSatisfied(name string, sub *Submodule, module *Module) bool {
	if sub.RepoType == repoTypeInherited {
		return true
	}

	if name == b.env.RootModule {
		return true
	}

	return module.Branch != b.Branch
}

// checkPendingModules queries the review status of every pending update and
// moves finished ones to Done. Changes that fell out of the pipeline are
// re-staged up to maxIntegrationAttempts times, then the module and all of
// its dependents are dropped from the batch.
func (b *Batch) checkPendingModules(ctx context.Context) error {
	logger := b.env.logger()

	var stillPending []*PendingUpdate

	for _, pending := range b.Pending {
		status, err := b.env.Review.ChangeStatus(ctx, pending.Module.RepoPath, pending.Module.Branch, pending.ChangeID)
		if err != nil {
			logger.Warn("querying change status failed, retrying on next run",
				logfields.Event("change_status_query_failed"),
				logfields.Repository(pending.Module.RepoPath),
				logfields.ChangeID(pending.ChangeID),
				zap.Error(err),
			)

			stillPending = append(stillPending, pending)
			continue
		}

		logger.Debug("pending change status",
			logfields.Repository(pending.Module.RepoPath),
			logfields.ChangeID(pending.ChangeID),
			logfields.ChangeStatus(string(status)),
		)

		if status.InProgress() {
			stillPending = append(stillPending, pending)
			continue
		}

		switch status {
		case gerrit.StatusMerged:
			if err := pending.Module.refreshTip(ctx, b.env); err != nil {
				return err
			}

			logger.Info("dependency update merged",
				logfields.Event("update_merged"),
				logfields.Repository(pending.Module.RepoPath),
				logfields.ChangeID(pending.ChangeID),
				logfields.Commit(string(pending.Module.Tip)),
			)

			b.Done[pending.Module.RepoPath] = pending.Module

		case gerrit.StatusNew, gerrit.StatusOpen:
			if pending.CommitID != "" && pending.IntegrationAttempts < maxIntegrationAttempts {
				pending.IntegrationAttempts++

				logger.Info("change fell out of the staging pipeline, re-staging",
					logfields.Event("update_restaged"),
					logfields.Repository(pending.Module.RepoPath),
					logfields.ChangeID(pending.ChangeID),
					zap.Int("attempt", pending.IntegrationAttempts),
				)

				if err := b.env.Review.ApproveAndStage(ctx, pending.CommitID, ""); err != nil {
					logger.Warn("re-staging change failed, retrying on next run",
						logfields.Repository(pending.Module.RepoPath),
						logfields.ChangeID(pending.ChangeID),
						zap.Error(err),
					)
				}

				stillPending = append(stillPending, pending)
				continue
			}

			b.dropModule(ctx, pending, status)

		default:
			b.dropModule(ctx, pending, status)
		}
	}

	b.Pending = stillPending
	return nil
}

// dropModule gives up on a pending update and removes the module and every
// module that transitively depends on it from the batch.
func (b *Batch) dropModule(ctx context.Context, pending *PendingUpdate, status gerrit.Status) {
	name := pending.Module.RepoPath

	b.env.logger().Error("giving up on dependency update",
		logfields.Event("update_failed"),
		logfields.Repository(name),
		logfields.ChangeID(pending.ChangeID),
		logfields.ChangeStatus(string(status)),
		zap.Int("attempts", pending.IntegrationAttempts),
	)

	b.FailedModuleCount++

	removed := removeDependents(b.Todo, name)

	b.env.Notify.Send(ctx, fmt.Sprintf(
		"Dependency update for %s on '%s' failed (%s), dropping it and %d dependent module(s) from this round: %s",
		name, pending.Module.Branch, status, len(removed), b.env.changeURL(string(pending.CommitID)),
	))

	for _, dependent := range removed {
		b.env.logger().Warn("removing dependent module from batch",
			logfields.Event("dependent_removed"),
			logfields.Repository(dependent),
			zap.String("failed_dependency", name),
		)
	}
}

// removeDependents deletes every module from todo that transitively depends
// on root and returns the removed module names, sorted.
func removeDependents(todo map[string]*Module, root string) []string {
	// reverse dependency index over the remaining todo modules
	dependents := map[string][]string{}
	for name, module := range todo {
		for _, dep := range module.RequiredDependencies {
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var removed []string

	worklist := []string{root}
	for len(worklist) > 0 {
		current := worklist[0]
		worklist = worklist[1:]

		for _, dependent := range dependents[current] {
			if _, ok := todo[dependent]; !ok {
				continue
			}

			delete(todo, dependent)
			removed = append(removed, dependent)
			worklist = append(worklist, dependent)
		}
	}

	sort.Strings(removed)
	return removed
}

// scheduleUpdates proposes an update for every todo module whose dependencies
// are all done, pushes the update commits for review and stages them.
func (b *Batch) scheduleUpdates(ctx context.Context) error {
	logger := b.env.logger()

	names := make([]string, 0, len(b.Todo))
	for name := range b.Todo {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		module := b.Todo[name]

		proposed, err := module.proposeUpdate(ctx, b.env, b.Done)
		if err != nil {
			return err
		}

		logger.Debug("proposed update",
			logfields.Repository(name),
			zap.Stringer("result", proposed.Result),
		)

		switch proposed.Result {
		case ResultDependencyMissing:
			continue

		case ResultUpToDate:
			b.Done[name] = module
			delete(b.Todo, name)

		case ResultScheduled:
			targetRef := "refs/for/" + module.Branch

			if err := b.env.Git.PushRef(ctx, name, proposed.CommitID, targetRef, false); err != nil {
				return fmt.Errorf("pushing update commit for %s failed: %w", name, err)
			}

			if err := b.env.Review.ApproveAndStage(ctx, proposed.CommitID, proposed.Changelog); err != nil {
				return fmt.Errorf("staging update for %s failed: %w", name, err)
			}

			logger.Info("dependency update pushed for review",
				logfields.Event("update_pushed"),
				logfields.Repository(name),
				logfields.Branch(module.Branch),
				logfields.ChangeID(proposed.ChangeID),
				logfields.Commit(string(proposed.CommitID)),
			)

			b.Pending = append(b.Pending, &PendingUpdate{
				Module:   module,
				ChangeID: proposed.ChangeID,
				CommitID: proposed.CommitID,
			})
			delete(b.Todo, name)

		default:
			return fmt.Errorf("unexpected update result %v for %s", proposed.Result, name)
		}
	}

	return nil
}

// isDone returns true when no module is waiting for an update or a review
// decision anymore.
func (b *Batch) isDone() bool {
	return len(b.Todo) == 0 && len(b.Pending) == 0
}

func sortedModuleNames(modules map[string]*Module) []string {
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PrintSummary writes a human-readable overview of the batch to stdout.
func (b *Batch) PrintSummary() {
	fmt.Printf("Summary of dependency update batch for %s on '%s':\n", b.Product, b.Branch)

	for _, name := range sortedModuleNames(b.Done) {
		fmt.Printf("    %s is up to date at %s\n", name, b.Done[name].Tip)
	}

	for _, pending := range b.Pending {
		fmt.Printf("    %s is waiting for review change %s\n", pending.Module.RepoPath, pending.ChangeID)
	}

	for _, name := range sortedModuleNames(b.Todo) {
		fmt.Printf("    %s is waiting for its dependencies\n", name)
	}

	if b.isDone() {
		if b.FailedModuleCount > 0 {
			fmt.Printf("The update round finished with %d failed module(s).\n", b.FailedModuleCount)
		} else {
			fmt.Println("All modules are up to date.")
		}
	}
}

// RunOneIteration advances the batch by one step: it checks the pending
// review changes, schedules updates for modules whose dependencies became
// available, and either persists the state for the next invocation or, if
// the batch finished, publishes the consistent set and clears the state.
func (b *Batch) RunOneIteration(ctx context.Context) error {
	if err := b.checkPendingModules(ctx); err != nil {
		return err
	}

	if err := b.scheduleUpdates(ctx); err != nil {
		return err
	}

	b.PrintSummary()
	b.reportMetrics(ctx)

	if !b.isDone() {
		return b.saveState(ctx)
	}

	if b.FailedModuleCount == 0 {
		if err := b.runAggregateUpdate(ctx); err != nil {
			return err
		}
	}

	return b.clearState(ctx)
}

// reportMetrics pushes the batch gauges, it is best effort.
func (b *Batch) reportMetrics(ctx context.Context) {
	if b.env.Metrics == nil {
		return
	}

	err := b.env.Metrics.Report(ctx, b.Product, b.Branch,
		len(b.Todo), len(b.Pending), len(b.Done), b.FailedModuleCount)
	if err != nil {
		b.env.logger().Warn("pushing metrics failed",
			logfields.Event("metrics_push_failed"),
			zap.Error(err),
		)
	}
}
