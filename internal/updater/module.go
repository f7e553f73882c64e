package updater

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/repotools/depsync/internal/gitcmd"
	"github.com/repotools/depsync/internal/logfields"
	"github.com/repotools/depsync/internal/manifest"
)

// changelogSizeLimit bounds the size of the generated change log, the review
// message is passed on an ssh command line.
const changelogSizeLimit = 65000

// Module represents one repository participating in the dependency graph of
// a batch. Dependency edges are name-based, a Module never references other
// Module objects directly; lookups go through the batch's Done map.
//
// The dependency edges are fixed at construction, only Tip changes when the
// branch head is re-fetched.
type Module struct {
	// RepoPath is the qualified repository path, e.g. "platform/svg".
	RepoPath             string
	RequiredDependencies []string
	OptionalDependencies []string
	Branch               string
	// Tip is the latest fetched commit id of Branch.
	Tip gitcmd.OID
}

// NewModule builds the Module for moduleName from the static submodule
// declarations and fetches its current branch tip.
func NewModule(ctx context.Context, env *Env, moduleName, branch string, submodules map[string]*Submodule) (*Module, error) {
	sub, ok := submodules[moduleName]
	if !ok {
		return nil, fmt.Errorf("could not find %s in the product submodule declarations", moduleName)
	}

	if sub.Branch != "" {
		branch = sub.Branch
	}

	tip, err := env.Git.BranchTip(ctx, moduleName, branch)
	if err != nil {
		return nil, fmt.Errorf("fetching branch tip of %s failed: %w", moduleName, err)
	}

	result := &Module{
		RepoPath: moduleName,
		Branch:   branch,
		Tip:      tip,
	}

	result.RequiredDependencies = append(result.RequiredDependencies, sub.RequiredDependencies...)

	// optional dependencies on modules that are not part of the product
	// are dropped, they can never be resolved
	for _, dep := range sub.OptionalDependencies {
		if _, known := submodules[dep]; known {
			result.OptionalDependencies = append(result.OptionalDependencies, dep)
		}
	}

	return result, nil
}

func (m *Module) refreshTip(ctx context.Context, env *Env) error {
	tip, err := env.Git.BranchTip(ctx, m.RepoPath, m.Branch)
	if err != nil {
		return fmt.Errorf("refreshing branch tip of %s failed: %w", m.RepoPath, err)
	}

	m.Tip = tip
	return nil
}

// relDependencyPath returns the path of dependency relative to the module,
// as it is recorded in the module's manifest.
func (m *Module) relDependencyPath(dependency string) string {
	rel, err := filepath.Rel(m.RepoPath, dependency)
	if err != nil {
		return dependency
	}

	return filepath.ToSlash(rel)
}

// candidateManifest builds the manifest this module should pin, given the
// modules in done.
// It returns nil if a required dependency is not available yet. Optional
// dependencies that are not in done are omitted, they are not relevant for
// this batch.
func (m *Module) candidateManifest(done map[string]*Module) *manifest.File {
	result := &manifest.File{Dependencies: manifest.DependencyMap{}}

	for _, dep := range m.RequiredDependencies {
		depModule, ok := done[dep]
		if !ok {
			return nil
		}

		result.Dependencies[m.relDependencyPath(dep)] = &manifest.Entry{
			Ref:      string(depModule.Tip),
			Required: true,
		}
	}

	for _, dep := range m.OptionalDependencies {
		depModule, ok := done[dep]
		if !ok {
			continue
		}

		result.Dependencies[m.relDependencyPath(dep)] = &manifest.Entry{
			Ref:      string(depModule.Tip),
			Required: false,
		}
	}

	return result
}

// UpdateResult describes the outcome of proposing a dependency update for a
// module.
type UpdateResult int

const (
	// ResultDependencyMissing indicates that a dependency is not available
	// yet and the module must be retried later.
	ResultDependencyMissing UpdateResult = iota
	// ResultUpToDate indicates that the recorded manifest already matches
	// the candidate, no review change is needed.
	ResultUpToDate
	// ResultScheduled indicates that an update commit was created and is
	// ready to be pushed to the review system.
	ResultScheduled
)

func (r UpdateResult) String() string {
	switch r {
	case ResultDependencyMissing:
		return "dependency-missing"
	case ResultUpToDate:
		return "up-to-date"
	case ResultScheduled:
		return "scheduled"
	default:
		return fmt.Sprintf("UpdateResult(%d)", int(r))
	}
}

// ProposedUpdate is the outcome of Module.proposeUpdate.
type ProposedUpdate struct {
	Result    UpdateResult
	ChangeID  string
	CommitID  gitcmd.OID
	Changelog string
}

// commitSubject returns the first line of the update commit message. It also
// serves as the review-system query pattern for finding an existing open
// change of this module.
func (m *Module) commitSubject() string {
	return fmt.Sprintf("Update dependencies on '%s' in %s", m.Branch, m.RepoPath)
}

// proposeUpdate computes the updated manifest for this module based on the
// modules in done and materializes it as a commit on top of the refreshed
// branch tip.
//
// The change id is taken from an existing open change for this module and
// branch, or derived from the new tree's hash, making repeated runs before a
// push idempotent. If an existing change is currently being processed by the
// staging pipeline the proposal is deferred.
func (m *Module) proposeUpdate(ctx context.Context, env *Env, done map[string]*Module) (ProposedUpdate, error) {
	candidate := m.candidateManifest(done)
	if candidate == nil {
		return ProposedUpdate{Result: ResultDependencyMissing}, nil
	}

	content, err := manifest.Encode(candidate)
	if err != nil {
		return ProposedUpdate{}, err
	}

	if err := m.refreshTip(ctx, env); err != nil {
		return ProposedUpdate{}, err
	}

	staged, err := env.Git.StageFile(ctx, m.RepoPath, m.Tip, manifest.FileName, content)
	if err != nil {
		return ProposedUpdate{}, fmt.Errorf("staging manifest update for %s failed: %w", m.RepoPath, err)
	}

	var changelog string

	if staged.OldBlob != "" {
		if staged.OldBlob == staged.Blob {
			return ProposedUpdate{Result: ResultUpToDate}, nil
		}

		changelog = m.dependencyChangelog(ctx, env, staged.OldBlob, candidate)
	}

	existing, err := env.Review.ExistingChange(ctx, m.RepoPath, m.Branch, m.commitSubject())
	if err != nil {
		return ProposedUpdate{}, fmt.Errorf("checking for an existing change of %s failed: %w", m.RepoPath, err)
	}

	changeID := "I" + string(staged.Tree)
	if existing != nil {
		if existing.Status.InProgress() {
			// an earlier update is still being processed, do not
			// create a competing change
			return ProposedUpdate{Result: ResultDependencyMissing}, nil
		}

		changeID = existing.ID
	}

	message := fmt.Sprintf("%s\n\nChange-Id: %s\n", m.commitSubject(), changeID)

	commitID, err := env.Git.CommitTree(ctx, m.RepoPath, staged.Tree, message, m.Tip)
	if err != nil {
		return ProposedUpdate{}, fmt.Errorf("creating update commit for %s failed: %w", m.RepoPath, err)
	}

	env.logger().Info("update commit created",
		logfields.Event("update_commit_created"),
		logfields.Repository(m.RepoPath),
		logfields.Branch(m.Branch),
		logfields.Commit(string(commitID)),
		logfields.ChangeID(changeID),
	)

	return ProposedUpdate{
		Result:    ResultScheduled,
		ChangeID:  changeID,
		CommitID:  commitID,
		Changelog: changelog,
	}, nil
}

// dependencyChangelog builds a human-readable per-dependency list of commit
// subjects between the previously pinned and the new references.
// It is best effort: if the old manifest can not be decoded or a log can not
// be generated the affected entries are skipped.
func (m *Module) dependencyChangelog(ctx context.Context, env *Env, oldBlob gitcmd.OID, candidate *manifest.File) string {
	logger := env.logger()

	oldContent, err := env.Git.ReadBlob(ctx, m.RepoPath, oldBlob)
	if err != nil {
		logger.Warn("reading old manifest for changelog generation failed",
			logfields.Repository(m.RepoPath), zap.Error(err))
		return ""
	}

	oldManifest, err := manifest.Decode(oldContent, m.RepoPath)
	if err != nil {
		logger.Warn("decoding old manifest for changelog generation failed",
			logfields.Repository(m.RepoPath), zap.Error(err))
		return ""
	}

	names := make([]string, 0, len(candidate.Dependencies))
	for name := range candidate.Dependencies {
		names = append(names, name)
	}
	sort.Strings(names)

	var changelog []string

	for _, name := range names {
		depRepoPath := path.Clean(path.Join(m.RepoPath, name))

		oldEntry, ok := oldManifest.Dependencies[depRepoPath]
		if !ok {
			logger.Debug("dependency not present in old manifest, skipping in changelog",
				logfields.Repository(depRepoPath))
			continue
		}

		oldRef := gitcmd.OID(oldEntry.Ref)
		newRef := gitcmd.OID(candidate.Dependencies[name].Ref)
		if oldRef == newRef {
			continue
		}

		changes, err := env.Git.FirstParentLog(ctx, depRepoPath, oldRef, newRef)
		if err != nil {
			logger.Warn("generating changelog failed",
				logfields.Repository(depRepoPath), zap.Error(err))
			continue
		}

		changelog = append(changelog, fmt.Sprintf("%s %s..%s:", depRepoPath, oldRef, newRef))
		changelog = append(changelog, changes...)
		changelog = append(changelog, "")
	}

	summary := strings.Join(changelog, "\n  ")
	if len(summary) > changelogSizeLimit {
		summary = summary[:changelogSizeLimit]
	}

	return summary
}
