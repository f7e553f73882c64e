package updater

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	ini "gopkg.in/ini.v1"

	"github.com/repotools/depsync/internal/gitcmd"
)

// gitModulesFile is the aggregate submodule declaration file of the product
// repository.
const gitModulesFile = ".gitmodules"

// repoTypeInherited marks a module that is not versioned per-branch, it is
// always considered already satisfied.
const repoTypeInherited = "inherited"

// Submodule is the static declaration of one module in the product
// repository's .gitmodules file.
type Submodule struct {
	URL      string
	Branch   string
	RepoType string

	// Dependency names, qualified with the product namespace.
	RequiredDependencies []string
	OptionalDependencies []string

	// PinnedCommit is the commit the product repository currently records
	// for this module. It is the product's view, not necessarily the
	// module's live branch tip.
	PinnedCommit gitcmd.OID
}

// GraphLoadError is returned when the submodule graph of the product can not
// be loaded.
type GraphLoadError struct {
	Err error
}

func (e *GraphLoadError) Error() string {
	return fmt.Sprintf("loading submodule graph failed: %s", e.Err)
}

func (e *GraphLoadError) Unwrap() error {
	return e.Err
}

// namespaceOf returns the naming prefix of the product, e.g. "platform" for
// the product "platform/manifest". Unqualified dependency names are resolved
// below this namespace.
func namespaceOf(product string) string {
	if idx := strings.IndexByte(product, '/'); idx != -1 {
		return product[:idx]
	}

	return product
}

// resolveFetchRef turns a branch name or ref override into a full fetch ref.
func resolveFetchRef(branch, productRef string) string {
	ref := productRef
	if ref == "" {
		ref = branch
	}

	if !strings.HasPrefix(ref, "refs/") {
		ref = "refs/heads/" + ref
	}

	return ref
}

// LoadSubmodules fetches the given ref of the product repository and returns
// the declared submodules, keyed by qualified module name.
func LoadSubmodules(ctx context.Context, env *Env, product, branch, productRef string) (map[string]*Submodule, error) {
	head, err := env.Git.FetchRef(ctx, product, resolveFetchRef(branch, productRef))
	if err != nil {
		return nil, &GraphLoadError{Err: fmt.Errorf("fetching product repository failed: %w", err)}
	}

	return listSubmodules(ctx, env, product, head)
}

// listSubmodules parses the .gitmodules file found in commit of the product
// repository.
func listSubmodules(ctx context.Context, env *Env, product string, commit gitcmd.OID) (map[string]*Submodule, error) {
	tree, err := env.Git.ListTree(ctx, product, commit)
	if err != nil {
		return nil, &GraphLoadError{Err: err}
	}

	entry, ok := tree.Entries[gitModulesFile]
	if !ok {
		return nil, &GraphLoadError{Err: fmt.Errorf("could not locate %s in tree of %s", gitModulesFile, commit)}
	}

	if entry.Type != gitcmd.ObjectBlob {
		return nil, &GraphLoadError{Err: fmt.Errorf("%s is not a file/blob", gitModulesFile)}
	}

	blob, err := env.Git.ReadBlob(ctx, product, entry.ID)
	if err != nil {
		return nil, &GraphLoadError{Err: fmt.Errorf("reading %s blob failed: %w", gitModulesFile, err)}
	}

	modules, err := parseGitModules(blob, env.Git.RepoURL(product), namespaceOf(product), tree)
	if err != nil {
		return nil, &GraphLoadError{Err: err}
	}

	return modules, nil
}

// parseGitModules decodes the .gitmodules blob. Entries marked as ignored or
// not initialized are skipped. Submodule URLs are resolved relative to the
// product's own fetch URL. Dependency declarations are qualified with the
// product namespace.
func parseGitModules(blob []byte, productURL *url.URL, namespace string, tree *gitcmd.Tree) (map[string]*Submodule, error) {
	iniFile, err := ini.Load(blob)
	if err != nil {
		return nil, fmt.Errorf("parsing %s failed: %w", gitModulesFile, err)
	}

	baseURL := *productURL
	baseURL.Path += "/repo.git"
	if host, _, err := net.SplitHostPort(baseURL.Host); err == nil {
		baseURL.Host = host
	}

	modules := map[string]*Submodule{}

	for _, section := range iniFile.Sections() {
		name := strings.TrimPrefix(section.Name(), `submodule "`)
		if name == section.Name() {
			continue
		}
		name = strings.TrimSuffix(name, `"`)

		if section.HasKey("status") {
			if section.Key("status").String() == "ignore" {
				continue
			}
		} else if section.HasKey("initrepo") {
			if section.Key("initrepo").String() != "true" {
				continue
			}
		}

		if !section.HasKey("url") {
			return nil, fmt.Errorf("missing url for submodule %s", name)
		}

		moduleURL, err := url.Parse(section.Key("url").String())
		if err != nil {
			return nil, fmt.Errorf("parsing url of submodule %s failed: %w", name, err)
		}

		module := &Submodule{
			URL:      baseURL.ResolveReference(moduleURL).String(),
			Branch:   section.Key("branch").String(),
			RepoType: section.Key("repoType").String(),
		}

		for _, dep := range section.Key("depends").Strings(" ") {
			module.RequiredDependencies = append(module.RequiredDependencies, namespace+"/"+dep)
		}

		for _, dep := range section.Key("recommends").Strings(" ") {
			module.OptionalDependencies = append(module.OptionalDependencies, namespace+"/"+dep)
		}

		pin, ok := tree.Entries[name]
		if !ok || pin.Type != gitcmd.ObjectCommit {
			return nil, fmt.Errorf("submodule entry for %s does not point to a commit", name)
		}
		module.PinnedCommit = pin.ID

		modules[namespace+"/"+name] = module
	}

	return modules, nil
}
