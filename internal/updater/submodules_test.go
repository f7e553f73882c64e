package updater

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repotools/depsync/internal/gitcmd"
)

func productURL(t *testing.T) *url.URL {
	t.Helper()

	u, err := url.Parse("ssh://gerrit.example.com:29418/platform/manifest")
	require.NoError(t, err)
	return u
}

func treeWithPins(pins map[string]gitcmd.OID) *gitcmd.Tree {
	tree := &gitcmd.Tree{Entries: map[string]gitcmd.TreeEntry{}}
	for name, pin := range pins {
		tree.Entries[name] = gitcmd.TreeEntry{
			Permissions: "160000",
			Type:        gitcmd.ObjectCommit,
			ID:          pin,
		}
	}
	return tree
}

func TestParseGitModules(t *testing.T) {
	blob := []byte(`[submodule "base"]
	path = base
	url = ../base
	branch = dev
	status = essential
[submodule "svg"]
	path = svg
	url = ../svg
	branch = dev
	status = addon
	depends = base
	recommends = imageformats svg
`)

	modules, err := parseGitModules(blob, productURL(t), "platform", treeWithPins(map[string]gitcmd.OID{
		"base": "1111111111111111111111111111111111111111",
		"svg":  "2222222222222222222222222222222222222222",
	}))
	require.NoError(t, err)
	require.Len(t, modules, 2)

	base := modules["platform/base"]
	require.NotNil(t, base)
	// the port belongs to the review API, fetch URLs go to the plain host
	assert.Equal(t, "ssh://gerrit.example.com/platform/base", base.URL)
	assert.Equal(t, "dev", base.Branch)
	assert.Equal(t, gitcmd.OID("1111111111111111111111111111111111111111"), base.PinnedCommit)
	assert.Empty(t, base.RequiredDependencies)

	svg := modules["platform/svg"]
	require.NotNil(t, svg)
	assert.Equal(t, []string{"platform/base"}, svg.RequiredDependencies)
	assert.Equal(t, []string{"platform/imageformats", "platform/svg"}, svg.OptionalDependencies)
}

func TestParseGitModulesSkipsIgnoredModules(t *testing.T) {
	blob := []byte(`[submodule "base"]
	url = ../base
	status = essential
[submodule "webengine"]
	url = ../webengine
	status = ignore
[submodule "legacy"]
	url = ../legacy
	initrepo = false
`)

	modules, err := parseGitModules(blob, productURL(t), "platform", treeWithPins(map[string]gitcmd.OID{
		"base": "1111111111111111111111111111111111111111",
	}))
	require.NoError(t, err)

	assert.Len(t, modules, 1)
	assert.Contains(t, modules, "platform/base")
}

func TestParseGitModulesRejectsMissingPin(t *testing.T) {
	blob := []byte(`[submodule "base"]
	url = ../base
	status = essential
`)

	_, err := parseGitModules(blob, productURL(t), "platform", &gitcmd.Tree{Entries: map[string]gitcmd.TreeEntry{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base")
}

func TestParseGitModulesRejectsNonCommitPin(t *testing.T) {
	blob := []byte(`[submodule "base"]
	url = ../base
	status = essential
`)

	tree := &gitcmd.Tree{Entries: map[string]gitcmd.TreeEntry{
		"base": {Permissions: "040000", Type: gitcmd.ObjectTree, ID: "1111111111111111111111111111111111111111"},
	}}

	_, err := parseGitModules(blob, productURL(t), "platform", tree)
	require.Error(t, err)
}

func TestParseGitModulesRejectsMissingURL(t *testing.T) {
	blob := []byte(`[submodule "base"]
	status = essential
`)

	_, err := parseGitModules(blob, productURL(t), "platform", treeWithPins(map[string]gitcmd.OID{
		"base": "1111111111111111111111111111111111111111",
	}))
	require.Error(t, err)
}

func TestNamespaceOf(t *testing.T) {
	assert.Equal(t, "platform", namespaceOf("platform/manifest"))
	assert.Equal(t, "manifest", namespaceOf("manifest"))
}

func TestResolveFetchRef(t *testing.T) {
	assert.Equal(t, "refs/heads/dev", resolveFetchRef("dev", ""))
	assert.Equal(t, "refs/heads/6.2", resolveFetchRef("dev", "6.2"))
	assert.Equal(t, "refs/tags/v6.2.0", resolveFetchRef("dev", "refs/tags/v6.2.0"))
}

func TestNewModuleDropsUnknownOptionalDependencies(t *testing.T) {
	git := newFakeHost()
	env := newTestEnv(t, git, newFakeReview(), &fakeNotifier{})
	git.setBranchTip("platform/declarative", "dev", hashOID("declarative-tip"))

	submodules := map[string]*Submodule{
		"platform/declarative": {
			Branch:               "dev",
			RequiredDependencies: []string{"platform/base"},
			OptionalDependencies: []string{"platform/svg", "platform/removed"},
		},
		"platform/base": {Branch: "dev"},
		"platform/svg":  {Branch: "dev"},
	}

	module, err := NewModule(context.Background(), env, "platform/declarative", "dev", submodules)
	require.NoError(t, err)

	assert.Equal(t, []string{"platform/base"}, module.RequiredDependencies)
	assert.Equal(t, []string{"platform/svg"}, module.OptionalDependencies)
	assert.Equal(t, hashOID("declarative-tip"), module.Tip)
}

func TestNewModuleFollowsDeclaredBranch(t *testing.T) {
	git := newFakeHost()
	env := newTestEnv(t, git, newFakeReview(), &fakeNotifier{})
	git.setBranchTip("platform/tools", "release", hashOID("tools-tip"))

	submodules := map[string]*Submodule{
		"platform/tools": {Branch: "release"},
	}

	module, err := NewModule(context.Background(), env, "platform/tools", "dev", submodules)
	require.NoError(t, err)

	assert.Equal(t, "release", module.Branch)
	assert.Equal(t, hashOID("tools-tip"), module.Tip)
}
