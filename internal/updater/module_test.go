package updater

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repotools/depsync/internal/gerrit"
	"github.com/repotools/depsync/internal/manifest"
)

func TestCandidateManifestWaitsForRequiredDependency(t *testing.T) {
	m := &Module{
		RepoPath:             "platform/svg",
		RequiredDependencies: []string{"platform/base"},
		Branch:               "dev",
	}

	assert.Nil(t, m.candidateManifest(map[string]*Module{}))
}

func TestCandidateManifestOmitsUnfinishedOptionalDependency(t *testing.T) {
	m := &Module{
		RepoPath:             "platform/declarative",
		RequiredDependencies: []string{"platform/base"},
		OptionalDependencies: []string{"platform/svg"},
		Branch:               "dev",
	}

	done := map[string]*Module{
		"platform/base": {RepoPath: "platform/base", Branch: "dev", Tip: "1111111111111111111111111111111111111111"},
	}

	candidate := m.candidateManifest(done)
	require.NotNil(t, candidate)

	require.Contains(t, candidate.Dependencies, "../base")
	assert.Equal(t, "1111111111111111111111111111111111111111", candidate.Dependencies["../base"].Ref)
	assert.True(t, candidate.Dependencies["../base"].Required)

	assert.NotContains(t, candidate.Dependencies, "../svg")
	assert.Len(t, candidate.Dependencies, 1)
}

func TestCandidateManifestIncludesFinishedOptionalDependency(t *testing.T) {
	m := &Module{
		RepoPath:             "platform/declarative",
		RequiredDependencies: []string{"platform/base"},
		OptionalDependencies: []string{"platform/svg"},
		Branch:               "dev",
	}

	done := map[string]*Module{
		"platform/base": {RepoPath: "platform/base", Tip: "1111111111111111111111111111111111111111"},
		"platform/svg":  {RepoPath: "platform/svg", Tip: "2222222222222222222222222222222222222222"},
	}

	candidate := m.candidateManifest(done)
	require.NotNil(t, candidate)
	require.Contains(t, candidate.Dependencies, "../svg")
	assert.False(t, candidate.Dependencies["../svg"].Required)
}

func testDoneBase(tip string) map[string]*Module {
	return map[string]*Module{
		"platform/base": {RepoPath: "platform/base", Branch: "dev", Tip: hashOID(tip)},
	}
}

func TestProposeUpdateSchedulesCommit(t *testing.T) {
	git := newFakeHost()
	env := newTestEnv(t, git, newFakeReview(), &fakeNotifier{})

	git.setBranchTip("platform/svg", "dev", hashOID("svg-tip"))

	m := &Module{
		RepoPath:             "platform/svg",
		RequiredDependencies: []string{"platform/base"},
		Branch:               "dev",
	}

	proposed, err := m.proposeUpdate(context.Background(), env, testDoneBase("base-tip"))
	require.NoError(t, err)

	assert.Equal(t, ResultScheduled, proposed.Result)
	assert.NotEmpty(t, proposed.CommitID)
	require.NotEmpty(t, proposed.ChangeID)
	assert.Equal(t, byte('I'), proposed.ChangeID[0])
}

func TestProposeUpdateChangeIDIsDeterministic(t *testing.T) {
	git := newFakeHost()
	env := newTestEnv(t, git, newFakeReview(), &fakeNotifier{})

	git.setBranchTip("platform/svg", "dev", hashOID("svg-tip"))

	m := &Module{
		RepoPath:             "platform/svg",
		RequiredDependencies: []string{"platform/base"},
		Branch:               "dev",
	}

	first, err := m.proposeUpdate(context.Background(), env, testDoneBase("base-tip"))
	require.NoError(t, err)

	second, err := m.proposeUpdate(context.Background(), env, testDoneBase("base-tip"))
	require.NoError(t, err)

	assert.Equal(t, first.ChangeID, second.ChangeID)
	assert.Equal(t, first.CommitID, second.CommitID)
}

func TestProposeUpdateDetectsUpToDateManifest(t *testing.T) {
	git := newFakeHost()
	env := newTestEnv(t, git, newFakeReview(), &fakeNotifier{})

	tip := hashOID("svg-tip")
	git.setBranchTip("platform/svg", "dev", tip)

	m := &Module{
		RepoPath:             "platform/svg",
		RequiredDependencies: []string{"platform/base"},
		Branch:               "dev",
	}

	done := testDoneBase("base-tip")

	current, err := manifest.Encode(m.candidateManifest(done))
	require.NoError(t, err)
	git.files[fileKey("platform/svg", tip, manifest.FileName)] = current

	proposed, err := m.proposeUpdate(context.Background(), env, done)
	require.NoError(t, err)

	assert.Equal(t, ResultUpToDate, proposed.Result)
	assert.Empty(t, proposed.CommitID)
}

func TestProposeUpdateReusesOpenChangeID(t *testing.T) {
	git := newFakeHost()
	review := newFakeReview()
	env := newTestEnv(t, git, review, &fakeNotifier{})

	git.setBranchTip("platform/svg", "dev", hashOID("svg-tip"))
	review.existing[refKey("platform/svg", "dev")] = &gerrit.Change{
		ID:     "I0123456789012345678901234567890123456789",
		Status: gerrit.StatusNew,
	}

	m := &Module{
		RepoPath:             "platform/svg",
		RequiredDependencies: []string{"platform/base"},
		Branch:               "dev",
	}

	proposed, err := m.proposeUpdate(context.Background(), env, testDoneBase("base-tip"))
	require.NoError(t, err)

	assert.Equal(t, ResultScheduled, proposed.Result)
	assert.Equal(t, "I0123456789012345678901234567890123456789", proposed.ChangeID)
}

func TestProposeUpdateDefersWhileChangeInPipeline(t *testing.T) {
	git := newFakeHost()
	review := newFakeReview()
	env := newTestEnv(t, git, review, &fakeNotifier{})

	git.setBranchTip("platform/svg", "dev", hashOID("svg-tip"))
	review.existing[refKey("platform/svg", "dev")] = &gerrit.Change{
		ID:     "I0123456789012345678901234567890123456789",
		Status: gerrit.StatusIntegrating,
	}

	m := &Module{
		RepoPath:             "platform/svg",
		RequiredDependencies: []string{"platform/base"},
		Branch:               "dev",
	}

	proposed, err := m.proposeUpdate(context.Background(), env, testDoneBase("base-tip"))
	require.NoError(t, err)

	assert.Equal(t, ResultDependencyMissing, proposed.Result)
}

func TestProposeUpdateGeneratesChangelog(t *testing.T) {
	git := newFakeHost()
	env := newTestEnv(t, git, newFakeReview(), &fakeNotifier{})
	git.logLines = []string{"  < Fix a crash", "  < Improve rendering"}

	tip := hashOID("svg-tip")
	git.setBranchTip("platform/svg", "dev", tip)

	m := &Module{
		RepoPath:             "platform/svg",
		RequiredDependencies: []string{"platform/base"},
		Branch:               "dev",
	}

	previous, err := manifest.Encode(m.candidateManifest(testDoneBase("old-base-tip")))
	require.NoError(t, err)
	git.files[fileKey("platform/svg", tip, manifest.FileName)] = previous

	proposed, err := m.proposeUpdate(context.Background(), env, testDoneBase("new-base-tip"))
	require.NoError(t, err)

	assert.Equal(t, ResultScheduled, proposed.Result)
	assert.Contains(t, proposed.Changelog, "platform/base")
	assert.Contains(t, proposed.Changelog, "Fix a crash")
}
