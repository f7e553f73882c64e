// Package gitcmd wraps git plumbing commands that operate on bare
// repositories, no working tree is needed for any operation.
package gitcmd

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"strings"
)

// OID is a git object identifier, in the form of a SHA1 check-sum.
type OID string

// Repository is the path to a bare git repository on the local disk.
type Repository string

type command struct {
	cmd    *exec.Cmd
	stdout bytes.Buffer
	stderr bytes.Buffer
}

func newCommand(cmd *exec.Cmd) *command {
	result := &command{cmd: cmd}
	result.cmd.Stdout = &result.stdout
	result.cmd.Stderr = &result.stderr
	return result
}

func (c *command) Run() (string, error) {
	err := c.cmd.Run()
	if err != nil {
		return "", fmt.Errorf("running %q failed: %w\nstdout: %s\nstderr: %s",
			strings.Join(c.cmd.Args, " "), err, c.stdout.String(), c.stderr.String())
	}

	return c.stdout.String(), nil
}

func (c *command) RunTrimmed() (string, error) {
	output, err := c.Run()
	return strings.TrimSpace(output), err
}

func cloneCommand(ctx context.Context, url, path string) *exec.Cmd {
	return exec.CommandContext(ctx, "git", "clone", "--bare", url, path)
}

func (repo Repository) gitCommand(ctx context.Context, name string, parameters ...string) *command {
	parameters = append([]string{"--git-dir=" + string(repo), name}, parameters...)
	return newCommand(exec.CommandContext(ctx, "git", parameters...))
}

// LookupReference resolves a symbolic reference to a commit id.
func (repo Repository) LookupReference(ctx context.Context, ref string) (OID, error) {
	rev, err := repo.gitCommand(ctx, "rev-parse", ref).RunTrimmed()
	return OID(rev), err
}

// ObjectType denotes the type of an object stored in a git repository.
type ObjectType int

const (
	// ObjectBlob refers to a pure data object.
	ObjectBlob ObjectType = iota
	// ObjectCommit refers to a commit, in a tree listing it is a gitlink.
	ObjectCommit
	// ObjectTree refers to a tree of blobs or trees.
	ObjectTree
)

// TreeEntry describes one entry of a git directory listing.
type TreeEntry struct {
	Permissions string
	Type        ObjectType
	ID          OID
}

// Tree represents the output of the git ls-tree command.
type Tree struct {
	ID      OID
	Entries map[string]TreeEntry
}

func decodeLsTreeOutput(commit OID, output string) (*Tree, error) {
	result := &Tree{
		ID:      commit,
		Entries: map[string]TreeEntry{},
	}

	for _, line := range bytes.Split([]byte(output), []byte{0}) {
		if len(line) == 0 {
			continue
		}

		var entry TreeEntry

		modeIdx := bytes.IndexByte(line, ' ')
		if modeIdx == -1 {
			return nil, fmt.Errorf("missing space after permission field in git ls-tree output: %q", line)
		}
		entry.Permissions = string(line[:modeIdx])
		line = line[modeIdx+1:]

		typeIdx := bytes.IndexByte(line, ' ')
		if typeIdx == -1 {
			return nil, fmt.Errorf("missing space after type field in git ls-tree output: %q", line)
		}

		switch typeName := string(line[:typeIdx]); typeName {
		case "blob":
			entry.Type = ObjectBlob
		case "commit":
			entry.Type = ObjectCommit
		case "tree":
			entry.Type = ObjectTree
		default:
			return nil, fmt.Errorf("unexpected entry type %q in git ls-tree output", typeName)
		}
		line = line[typeIdx+1:]

		objectIdx := bytes.IndexByte(line, '\t')
		if objectIdx == -1 {
			return nil, fmt.Errorf("missing tab after object field in git ls-tree output: %q", line)
		}
		entry.ID = OID(line[:objectIdx])

		result.Entries[string(line[objectIdx+1:])] = entry
	}

	return result, nil
}

// ListTree retrieves a non-recursive directory listing of the given commit.
func (repo Repository) ListTree(ctx context.Context, commit OID) (*Tree, error) {
	output, err := repo.gitCommand(ctx, "ls-tree", "-z", string(commit)).Run()
	if err != nil {
		return nil, err
	}

	return decodeLsTreeOutput(commit, output)
}

// Fetch retrieves refSpec from url into FETCH_HEAD and returns the commit id
// that FETCH_HEAD resolves to.
func (repo Repository) Fetch(ctx context.Context, url *url.URL, refSpec string) (OID, error) {
	if _, err := repo.gitCommand(ctx, "fetch", url.String(), refSpec).Run(); err != nil {
		return "", fmt.Errorf("fetching %s from %s failed: %w", refSpec, url.Redacted(), err)
	}

	ref, err := repo.LookupReference(ctx, "FETCH_HEAD")
	if err != nil {
		return "", fmt.Errorf("resolving FETCH_HEAD after fetch failed: %w", err)
	}

	return ref, nil
}

// Push pushes commit to targetRef at url.
// An empty commit id pushes an empty ref, which deletes targetRef on the
// remote.
func (repo Repository) Push(ctx context.Context, url *url.URL, options []string, commit OID, targetRef string) error {
	refSpec := fmt.Sprintf("%s:%s", commit, targetRef)
	options = append(options, url.String(), refSpec)

	_, err := repo.gitCommand(ctx, "push", options...).Run()
	return err
}

// LookupBlob returns the content of the given blob object.
func (repo Repository) LookupBlob(ctx context.Context, object OID) ([]byte, error) {
	output, err := repo.gitCommand(ctx, "cat-file", "blob", string(object)).Run()
	if err != nil {
		return nil, err
	}

	return []byte(output), nil
}

// CommitTree creates a commit object for tree with the given message and
// parents and returns the new commit id.
func (repo Repository) CommitTree(ctx context.Context, tree OID, message string, parents ...OID) (OID, error) {
	args := make([]string, 0, 1+2*len(parents))
	args = append(args, string(tree))
	for _, parent := range parents {
		args = append(args, "-p", string(parent))
	}

	cmd := repo.gitCommand(ctx, "commit-tree", args...)
	cmd.cmd.Stdin = strings.NewReader(message)

	commit, err := cmd.RunTrimmed()
	return OID(commit), err
}

// LogOutput runs git log with the given options and returns the output lines.
func (repo Repository) LogOutput(ctx context.Context, options ...string) ([]string, error) {
	output, err := repo.gitCommand(ctx, "log", options...).Run()
	if err != nil {
		return nil, err
	}

	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	return lines, scanner.Err()
}
