package updater

import (
	"context"
	"net/url"

	"go.uber.org/zap"

	"github.com/repotools/depsync/internal/gerrit"
	"github.com/repotools/depsync/internal/gitcmd"
)

// RepoHost is the view of the version-control object store that the updater
// needs. It is implemented by gitcmd.Host.
type RepoHost interface {
	FetchRef(ctx context.Context, project, ref string) (gitcmd.OID, error)
	BranchTip(ctx context.Context, project, branch string) (gitcmd.OID, error)
	ListTree(ctx context.Context, project string, commit gitcmd.OID) (*gitcmd.Tree, error)
	ReadBlob(ctx context.Context, project string, id gitcmd.OID) ([]byte, error)
	StageFile(ctx context.Context, project string, baseCommit gitcmd.OID, path string, content []byte) (*gitcmd.StagedFile, error)
	StageSubmodulePins(ctx context.Context, project string, baseCommit gitcmd.OID, pins map[string]gitcmd.OID) (gitcmd.OID, error)
	CommitTree(ctx context.Context, project string, tree gitcmd.OID, message string, parents ...gitcmd.OID) (gitcmd.OID, error)
	FirstParentLog(ctx context.Context, project string, oldID, newID gitcmd.OID) ([]string, error)
	PushRef(ctx context.Context, project string, commit gitcmd.OID, targetRef string, force bool) error
	RepoURL(project string) *url.URL
	PushUser() string
}

// ReviewClient is the view of the code-review system that the updater needs.
// It is implemented by gerrit.Client.
type ReviewClient interface {
	ChangeStatus(ctx context.Context, project, branch, changeID string) (gerrit.Status, error)
	ExistingChange(ctx context.Context, project, branch, messagePattern string) (*gerrit.Change, error)
	ApproveAndStage(ctx context.Context, commit gitcmd.OID, message string) error
}

// Notifier delivers best-effort notifications, failures must not propagate.
type Notifier interface {
	Send(ctx context.Context, text string)
}

// Env bundles the external collaborators and settings of an update run.
// It replaces ambient package state, every Batch and Module operation goes
// through an explicitly passed Env.
type Env struct {
	Git    RepoHost
	Review ReviewClient
	Notify Notifier

	// Metrics is optional, nil disables metrics reporting.
	Metrics *Metrics

	// ReviewURL is the base web URL of the review system, used to build
	// links in notifications.
	ReviewURL string

	// RootModule is the module every other module ultimately depends on.
	// It is considered up to date from the start of a batch.
	RootModule string

	Logger *zap.Logger
}

func (e *Env) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.L()
	}

	return e.Logger
}

// changeURL returns the web URL of the review-system query page for id,
// which can be a change id or a commit id.
func (e *Env) changeURL(id string) string {
	return e.ReviewURL + "/#/q/" + id + ",n,z"
}
