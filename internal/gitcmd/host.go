package gitcmd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/repotools/depsync/internal/logfields"
)

// Host addresses the repositories of a git/review server by project name.
// Repositories are kept as bare clones below a local directory and cloned on
// first use.
type Host struct {
	reposDir string
	addr     string // host:port
	pushUser string
	logger   *zap.Logger
}

func NewHost(reposDir, host, port, pushUser string) *Host {
	return &Host{
		reposDir: reposDir,
		addr:     host + ":" + port,
		pushUser: pushUser,
		logger:   zap.L().Named("gitcmd"),
	}
}

// RepoURL returns the clone/fetch URL of a project.
func (h *Host) RepoURL(project string) *url.URL {
	return &url.URL{
		Scheme: "ssh",
		Host:   h.addr,
		Path:   "/" + project,
	}
}

// PushURL returns the URL used for pushing changes to a project.
// If a push user is configured it is part of the URL.
func (h *Host) PushURL(project string) *url.URL {
	pushURL := h.RepoURL(project)
	if h.pushUser != "" {
		pushURL.User = url.User(h.pushUser)
	}

	return pushURL
}

// PushUser returns the configured push user name, it can be empty.
func (h *Host) PushUser() string {
	return h.pushUser
}

// Open returns the local bare repository of project, cloning it first if it
// does not exist yet.
func (h *Host) Open(ctx context.Context, project string) (Repository, error) {
	repoPath := filepath.Join(h.reposDir, project)

	if _, err := os.Stat(repoPath); os.IsNotExist(err) {
		repoURL := h.RepoURL(project)

		h.logger.Info("cloning missing repository",
			logfields.Event("repository_cloning"),
			logfields.Repository(project),
			zap.String("git.url", repoURL.Redacted()),
		)

		cmd := newCommand(cloneCommand(ctx, repoURL.String(), repoPath))
		if _, err := cmd.Run(); err != nil {
			return "", fmt.Errorf("cloning %s failed: %w", project, err)
		}
	}

	return Repository(repoPath), nil
}

// FetchRef fetches ref of project and returns the commit id it resolves to.
func (h *Host) FetchRef(ctx context.Context, project, ref string) (OID, error) {
	repo, err := h.Open(ctx, project)
	if err != nil {
		return "", err
	}

	return repo.Fetch(ctx, h.RepoURL(project), ref)
}

// BranchTip fetches the head of branch in project and returns its commit id.
func (h *Host) BranchTip(ctx context.Context, project, branch string) (OID, error) {
	return h.FetchRef(ctx, project, "refs/heads/"+branch)
}

// ListTree returns the non-recursive tree listing of commit in project.
func (h *Host) ListTree(ctx context.Context, project string, commit OID) (*Tree, error) {
	repo, err := h.Open(ctx, project)
	if err != nil {
		return nil, err
	}

	return repo.ListTree(ctx, commit)
}

// ReadBlob returns the content of the blob with the given id in project.
func (h *Host) ReadBlob(ctx context.Context, project string, id OID) ([]byte, error) {
	repo, err := h.Open(ctx, project)
	if err != nil {
		return nil, err
	}

	return repo.LookupBlob(ctx, id)
}

// StagedFile describes the outcome of staging a single file on top of a base
// commit via StageFile.
type StagedFile struct {
	// Tree is the id of the tree containing the staged file.
	Tree OID
	// Blob is the object id of the staged content.
	Blob OID
	// OldBlob is the object id the path had in the base commit, it is empty
	// if the path did not exist there.
	OldBlob OID
}

// StageFile writes content as path on top of the tree of baseCommit and
// returns the resulting tree together with the old and new blob ids.
// If baseCommit is empty the file becomes the only entry of a new tree.
func (h *Host) StageFile(ctx context.Context, project string, baseCommit OID, path string, content []byte) (*StagedFile, error) {
	repo, err := h.Open(ctx, project)
	if err != nil {
		return nil, err
	}

	index, err := repo.NewIndex()
	if err != nil {
		return nil, fmt.Errorf("creating temporary index for %s failed: %w", project, err)
	}
	defer index.Free()

	if baseCommit != "" {
		if err := index.ReadTree(ctx, baseCommit); err != nil {
			return nil, fmt.Errorf("populating index from %s failed: %w", baseCommit, err)
		}
	}

	result := &StagedFile{}
	if existing := index.EntryByPath(path); existing != nil {
		result.OldBlob = existing.ID
	}

	entry := &IndexEntry{
		Permissions: "100644",
		Path:        path,
	}

	if err := index.HashObject(ctx, entry, content); err != nil {
		return nil, fmt.Errorf("writing %s blob failed: %w", path, err)
	}
	result.Blob = entry.ID

	if err := index.Add(ctx, entry); err != nil {
		return nil, fmt.Errorf("staging %s failed: %w", path, err)
	}

	result.Tree, err = index.WriteTree(ctx)
	if err != nil {
		return nil, fmt.Errorf("writing tree failed: %w", err)
	}

	return result, nil
}

// StageSubmodulePins rewrites the gitlink entries of baseCommit's tree to the
// given commit ids, keyed by submodule path, and returns the new tree id.
func (h *Host) StageSubmodulePins(ctx context.Context, project string, baseCommit OID, pins map[string]OID) (OID, error) {
	repo, err := h.Open(ctx, project)
	if err != nil {
		return "", err
	}

	index, err := repo.NewIndex()
	if err != nil {
		return "", fmt.Errorf("creating temporary index for %s failed: %w", project, err)
	}
	defer index.Free()

	if err := index.ReadTree(ctx, baseCommit); err != nil {
		return "", fmt.Errorf("populating index from %s failed: %w", baseCommit, err)
	}

	paths := make([]string, 0, len(pins))
	for path := range pins {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		entry := &IndexEntry{
			Permissions: "160000",
			Path:        path,
			ID:          pins[path],
		}

		if err := index.Add(ctx, entry); err != nil {
			return "", fmt.Errorf("staging submodule pin for %s failed: %w", path, err)
		}
	}

	return index.WriteTree(ctx)
}

// CommitTree creates a commit for tree in project and returns its id.
func (h *Host) CommitTree(ctx context.Context, project string, tree OID, message string, parents ...OID) (OID, error) {
	repo, err := h.Open(ctx, project)
	if err != nil {
		return "", err
	}

	return repo.CommitTree(ctx, tree, message, parents...)
}

// FirstParentLog returns the one-line subjects of the first-parent commit
// range old..new in project.
func (h *Host) FirstParentLog(ctx context.Context, project string, oldID, newID OID) ([]string, error) {
	repo, err := h.Open(ctx, project)
	if err != nil {
		return nil, err
	}

	return repo.LogOutput(ctx, "--pretty=format:  %m %s", "--first-parent", string(oldID)+".."+string(newID))
}

// PushRef pushes commit to targetRef of project, an empty commit id deletes
// the ref on the remote.
func (h *Host) PushRef(ctx context.Context, project string, commit OID, targetRef string, force bool) error {
	repo, err := h.Open(ctx, project)
	if err != nil {
		return err
	}

	var options []string
	if force {
		options = append(options, "-f")
	}

	return repo.Push(ctx, h.PushURL(project), options, commit, targetRef)
}
