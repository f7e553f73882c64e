package gitcmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
)

// IndexEntry represents one entry of a git index.
type IndexEntry struct {
	Permissions string
	Path        string
	ID          OID
}

// Index wraps git operations on a temporary index file, allowing trees to be
// manipulated and written without a working tree.
// A new Index must be released with Free to remove the temporary file.
type Index struct {
	file      *os.File
	repo      Repository
	entries   []IndexEntry
	populated bool
}

// NewIndex creates an empty temporary index.
// Populate it from an existing tree with ReadTree, or leave it empty to build
// a tree from scratch.
func (repo Repository) NewIndex() (*Index, error) {
	file, err := os.CreateTemp("", "depsync-index-")
	if err != nil {
		return nil, err
	}

	return &Index{file: file, repo: repo}, nil
}

// Free removes the temporary index file.
func (idx *Index) Free() {
	if idx.file == nil {
		return
	}

	os.Remove(idx.file.Name())
	idx.file = nil
}

func (idx *Index) gitCommand(ctx context.Context, name string, parameters ...string) *command {
	cmd := idx.repo.gitCommand(ctx, name, parameters...)
	cmd.cmd.Env = append(os.Environ(), "GIT_INDEX_FILE="+idx.file.Name())
	return cmd
}

func (idx *Index) updateEntries(ctx context.Context) error {
	output, err := idx.gitCommand(ctx, "ls-files", "-z", "--stage").Run()
	if err != nil {
		return err
	}

	idx.entries, err = parseLsFilesOutput(output)
	return err
}

func parseLsFilesOutput(output string) ([]IndexEntry, error) {
	var entries []IndexEntry

	for _, line := range bytes.Split([]byte(output), []byte{0}) {
		if len(line) == 0 {
			continue
		}

		var entry IndexEntry

		modeIdx := bytes.IndexByte(line, ' ')
		if modeIdx == -1 {
			return nil, fmt.Errorf("missing space after permission field in git ls-files output: %q", line)
		}
		entry.Permissions = string(line[:modeIdx])
		line = line[modeIdx+1:]

		objectIdx := bytes.IndexByte(line, ' ')
		if objectIdx == -1 {
			return nil, fmt.Errorf("missing space after object field in git ls-files output: %q", line)
		}
		entry.ID = OID(line[:objectIdx])
		line = line[objectIdx+1:]

		stageIdx := bytes.IndexByte(line, '\t')
		if stageIdx == -1 {
			return nil, fmt.Errorf("missing tab after stage field in git ls-files output: %q", line)
		}
		entry.Path = string(line[stageIdx+1:])

		entries = append(entries, entry)
	}

	return entries, nil
}

// EntryByPath returns the index entry at path, or nil if the path is not in
// the index.
func (idx *Index) EntryByPath(path string) *IndexEntry {
	for i := range idx.entries {
		if idx.entries[i].Path == path {
			return &idx.entries[i]
		}
	}

	return nil
}

// ReadTree populates the index from the given tree or commit object.
func (idx *Index) ReadTree(ctx context.Context, tree OID) error {
	_, err := idx.gitCommand(ctx, "read-tree", "--index-output="+idx.file.Name(), string(tree)).Run()
	if err != nil {
		return err
	}

	idx.populated = true
	return idx.updateEntries(ctx)
}

// Add adds a new entry to the index or updates an existing one.
func (idx *Index) Add(ctx context.Context, entry *IndexEntry) error {
	if !idx.populated {
		// git refuses to use an existing zero-byte index file
		os.Remove(idx.file.Name())
	}

	_, err := idx.gitCommand(ctx, "update-index", "--add", "--cacheinfo",
		fmt.Sprintf("%s,%s,%s", entry.Permissions, entry.ID, entry.Path)).Run()
	if err != nil {
		return err
	}

	idx.populated = true
	return idx.updateEntries(ctx)
}

// HashObject writes content to the object database and stores the resulting
// blob id in entry.
func (idx *Index) HashObject(ctx context.Context, entry *IndexEntry, content []byte) error {
	cmd := idx.gitCommand(ctx, "hash-object", "-w", "--stdin")
	cmd.cmd.Stdin = bytes.NewReader(content)

	sha1, err := cmd.RunTrimmed()
	if err != nil {
		return err
	}

	entry.ID = OID(sha1)
	return nil
}

// WriteTree writes the index as a tree object and returns the tree id.
func (idx *Index) WriteTree(ctx context.Context) (OID, error) {
	output, err := idx.gitCommand(ctx, "write-tree").RunTrimmed()
	return OID(output), err
}
