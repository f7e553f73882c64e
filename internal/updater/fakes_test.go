package updater

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/repotools/depsync/internal/gerrit"
	"github.com/repotools/depsync/internal/gitcmd"
)

func newTestEnv(t *testing.T, git *fakeHost, review *fakeReview, notify *fakeNotifier) *Env {
	t.Helper()

	return &Env{
		Git:        git,
		Review:     review,
		Notify:     notify,
		ReviewURL:  "https://codereview.example.com",
		RootModule: "platform/base",
		Logger:     zaptest.NewLogger(t),
	}
}

func hashOID(parts ...string) gitcmd.OID {
	h := sha1.Sum([]byte(strings.Join(parts, "\x00")))
	return gitcmd.OID(hex.EncodeToString(h[:]))
}

type pushRecord struct {
	Project   string
	Commit    gitcmd.OID
	TargetRef string
	Force     bool
}

type pinsRecord struct {
	Project    string
	BaseCommit gitcmd.OID
	Pins       map[string]gitcmd.OID
}

// fakeHost is an in-memory RepoHost. Object ids are derived from the staged
// content, so identical content yields identical trees like in a real
// repository.
type fakeHost struct {
	// refs maps "<project> <ref>" to the commit the ref points to.
	refs map[string]gitcmd.OID
	// files maps "<project> <commit> <path>" to the file content recorded
	// in that commit, it feeds StagedFile.OldBlob.
	files map[string][]byte

	blobs       map[gitcmd.OID][]byte
	commitTrees map[gitcmd.OID]gitcmd.OID
	treeEntries map[gitcmd.OID]map[string]gitcmd.TreeEntry

	logLines []string

	pushes   []pushRecord
	pinCalls []pinsRecord
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		refs:        map[string]gitcmd.OID{},
		files:       map[string][]byte{},
		blobs:       map[gitcmd.OID][]byte{},
		commitTrees: map[gitcmd.OID]gitcmd.OID{},
		treeEntries: map[gitcmd.OID]map[string]gitcmd.TreeEntry{},
	}
}

func refKey(project, ref string) string {
	return project + " " + ref
}

func fileKey(project string, commit gitcmd.OID, path string) string {
	return project + " " + string(commit) + " " + path
}

func (f *fakeHost) setBranchTip(project, branch string, tip gitcmd.OID) {
	f.refs[refKey(project, "refs/heads/"+branch)] = tip
}

func (f *fakeHost) FetchRef(ctx context.Context, project, ref string) (gitcmd.OID, error) {
	commit, ok := f.refs[refKey(project, ref)]
	if !ok {
		return "", fmt.Errorf("ref %s not found in %s", ref, project)
	}

	return commit, nil
}

func (f *fakeHost) BranchTip(ctx context.Context, project, branch string) (gitcmd.OID, error) {
	return f.FetchRef(ctx, project, "refs/heads/"+branch)
}

func (f *fakeHost) ListTree(ctx context.Context, project string, commit gitcmd.OID) (*gitcmd.Tree, error) {
	tree, ok := f.commitTrees[commit]
	if !ok {
		return nil, fmt.Errorf("unknown commit %s in %s", commit, project)
	}

	result := &gitcmd.Tree{ID: commit, Entries: map[string]gitcmd.TreeEntry{}}
	for path, entry := range f.treeEntries[tree] {
		result.Entries[path] = entry
	}

	return result, nil
}

func (f *fakeHost) ReadBlob(ctx context.Context, project string, id gitcmd.OID) ([]byte, error) {
	content, ok := f.blobs[id]
	if !ok {
		return nil, fmt.Errorf("unknown blob %s in %s", id, project)
	}

	return content, nil
}

func (f *fakeHost) StageFile(ctx context.Context, project string, baseCommit gitcmd.OID, path string, content []byte) (*gitcmd.StagedFile, error) {
	result := &gitcmd.StagedFile{Blob: hashOID("blob", string(content))}
	f.blobs[result.Blob] = content

	if old, ok := f.files[fileKey(project, baseCommit, path)]; ok {
		result.OldBlob = hashOID("blob", string(old))
		f.blobs[result.OldBlob] = old
	}

	result.Tree = hashOID("tree", project, string(baseCommit), path, string(content))
	f.treeEntries[result.Tree] = map[string]gitcmd.TreeEntry{
		path: {Permissions: "100644", Type: gitcmd.ObjectBlob, ID: result.Blob},
	}

	return result, nil
}

func (f *fakeHost) StageSubmodulePins(ctx context.Context, project string, baseCommit gitcmd.OID, pins map[string]gitcmd.OID) (gitcmd.OID, error) {
	recorded := map[string]gitcmd.OID{}
	parts := []string{"pins", project, string(baseCommit)}

	paths := make([]string, 0, len(pins))
	for path := range pins {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		recorded[path] = pins[path]
		parts = append(parts, path, string(pins[path]))
	}

	f.pinCalls = append(f.pinCalls, pinsRecord{Project: project, BaseCommit: baseCommit, Pins: recorded})

	tree := hashOID(parts...)
	f.treeEntries[tree] = map[string]gitcmd.TreeEntry{}

	return tree, nil
}

func (f *fakeHost) CommitTree(ctx context.Context, project string, tree gitcmd.OID, message string, parents ...gitcmd.OID) (gitcmd.OID, error) {
	parts := []string{"commit", project, string(tree), message}
	for _, parent := range parents {
		parts = append(parts, string(parent))
	}

	commit := hashOID(parts...)
	f.commitTrees[commit] = tree

	return commit, nil
}

func (f *fakeHost) FirstParentLog(ctx context.Context, project string, oldID, newID gitcmd.OID) ([]string, error) {
	return f.logLines, nil
}

func (f *fakeHost) PushRef(ctx context.Context, project string, commit gitcmd.OID, targetRef string, force bool) error {
	f.pushes = append(f.pushes, pushRecord{Project: project, Commit: commit, TargetRef: targetRef, Force: force})

	if commit == "" {
		delete(f.refs, refKey(project, targetRef))
		return nil
	}

	f.refs[refKey(project, targetRef)] = commit
	return nil
}

func (f *fakeHost) RepoURL(project string) *url.URL {
	return &url.URL{Scheme: "ssh", Host: "gerrit.example.com:29418", Path: "/" + project}
}

func (f *fakeHost) PushUser() string {
	return "syncbot"
}

type stageCall struct {
	Commit  gitcmd.OID
	Message string
}

type fakeReview struct {
	// statuses maps change ids to the status ChangeStatus reports.
	statuses  map[string]gerrit.Status
	statusErr error

	// existing maps "<project> <branch>" to the change ExistingChange
	// returns.
	existing map[string]*gerrit.Change

	staged []stageCall
}

func newFakeReview() *fakeReview {
	return &fakeReview{
		statuses: map[string]gerrit.Status{},
		existing: map[string]*gerrit.Change{},
	}
}

func (f *fakeReview) ChangeStatus(ctx context.Context, project, branch, changeID string) (gerrit.Status, error) {
	if f.statusErr != nil {
		return "", f.statusErr
	}

	status, ok := f.statuses[changeID]
	if !ok {
		return "", fmt.Errorf("no change with id %s", changeID)
	}

	return status, nil
}

func (f *fakeReview) ExistingChange(ctx context.Context, project, branch, messagePattern string) (*gerrit.Change, error) {
	return f.existing[refKey(project, branch)], nil
}

func (f *fakeReview) ApproveAndStage(ctx context.Context, commit gitcmd.OID, message string) error {
	f.staged = append(f.staged, stageCall{Commit: commit, Message: message})
	return nil
}

type fakeNotifier struct {
	messages []string
}

func (f *fakeNotifier) Send(ctx context.Context, text string) {
	f.messages = append(f.messages, text)
}
