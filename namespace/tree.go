// Package namespace holds the file tree of the metadata server: files with
// stable inode IDs, their blocks, and the under-construction marker that
// names the client writing each open file.
//
// A Tree is not safe for concurrent use. The metadata server guards it with
// its global lock.
package namespace

import (
	"cmp"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"

	lease "github.com/ozanturksever/go-lease"
)

// Errors for namespace operations.
var (
	ErrFileExists           = errors.New("file already exists")
	ErrFileNotFound         = errors.New("file not found")
	ErrInvalidPath          = errors.New("invalid path")
	ErrNotUnderConstruction = errors.New("file is not under construction")
	ErrUnderConstruction    = errors.New("file is already under construction")
	ErrBlocksNotCommitted   = errors.New("file has uncommitted blocks")
	ErrRecoveryInProgress   = errors.New("block recovery in progress")
	ErrNoRecovery           = errors.New("no block recovery in progress")
)

// Block is one block of a file.
type Block struct {
	ID        uint64 `json:"id"`
	Committed bool   `json:"committed"`
}

// File is a regular file in the tree.
type File struct {
	ID   lease.INodeID `json:"id"`
	Path string        `json:"path"`

	// Client names the writer while the file is under construction.
	Client            string  `json:"client,omitempty"`
	UnderConstruction bool    `json:"underConstruction,omitempty"`
	Blocks            []Block `json:"blocks,omitempty"`

	// Recovering is set while block recovery runs. It is not saved in images.
	Recovering bool `json:"-"`
}

// PendingBlocks returns the number of uncommitted blocks.
func (f *File) PendingBlocks() int {
	n := 0
	for _, b := range f.Blocks {
		if !b.Committed {
			n++
		}
	}
	return n
}

func (f *File) clone() File {
	c := *f
	c.Blocks = slices.Clone(f.Blocks)
	return c
}

// Tree is a flat map of absolute paths to files.
type Tree struct {
	byPath      map[string]*File
	byID        map[lease.INodeID]*File
	nextID      lease.INodeID
	nextBlockID uint64
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{
		byPath:      make(map[string]*File),
		byID:        make(map[lease.INodeID]*File),
		nextID:      lease.RootINodeID + 1,
		nextBlockID: 1,
	}
}

// Create adds an empty file under construction by client.
func (t *Tree) Create(p, client string) (File, error) {
	p, err := cleanPath(p)
	if err != nil {
		return File{}, err
	}
	if _, ok := t.byPath[p]; ok {
		return File{}, fmt.Errorf("%s: %w", p, ErrFileExists)
	}

	f := &File{
		ID:                t.nextID,
		Path:              p,
		Client:            client,
		UnderConstruction: true,
	}
	t.nextID++
	t.byPath[p] = f
	t.byID[f.ID] = f
	return f.clone(), nil
}

// Append reopens a closed file for writing by client.
func (t *Tree) Append(p, client string) (File, error) {
	f, err := t.lookup(p)
	if err != nil {
		return File{}, err
	}
	if f.UnderConstruction {
		return File{}, fmt.Errorf("%s: %w", f.Path, ErrUnderConstruction)
	}
	f.UnderConstruction = true
	f.Client = client
	return f.clone(), nil
}

// Lookup returns the file at path.
func (t *Tree) Lookup(p string) (File, error) {
	f, err := t.lookup(p)
	if err != nil {
		return File{}, err
	}
	return f.clone(), nil
}

// Get returns the file with the given ID.
func (t *Tree) Get(id lease.INodeID) (File, error) {
	f, err := t.get(id)
	if err != nil {
		return File{}, err
	}
	return f.clone(), nil
}

// AddBlock allocates a new uncommitted block at the end of the file.
func (t *Tree) AddBlock(id lease.INodeID) (Block, error) {
	f, err := t.writable(id)
	if err != nil {
		return Block{}, err
	}
	b := Block{ID: t.nextBlockID}
	t.nextBlockID++
	f.Blocks = append(f.Blocks, b)
	return b, nil
}

// CommitBlocks marks every block of the file committed.
func (t *Tree) CommitBlocks(id lease.INodeID) error {
	f, err := t.writable(id)
	if err != nil {
		return err
	}
	commitAll(f)
	return nil
}

// StartBlockRecovery marks the file as recovering its last blocks.
func (t *Tree) StartBlockRecovery(id lease.INodeID) error {
	f, err := t.writable(id)
	if err != nil {
		return err
	}
	f.Recovering = true
	return nil
}

// FinishBlockRecovery commits the recovered blocks and clears the recovery
// mark. The file stays under construction until Complete.
func (t *Tree) FinishBlockRecovery(id lease.INodeID) error {
	f, err := t.get(id)
	if err != nil {
		return err
	}
	if !f.Recovering {
		return fmt.Errorf("inode %d: %w", id, ErrNoRecovery)
	}
	commitAll(f)
	f.Recovering = false
	return nil
}

// SetClient changes the writer recorded on a file under construction.
func (t *Tree) SetClient(id lease.INodeID, client string) error {
	f, err := t.get(id)
	if err != nil {
		return err
	}
	if !f.UnderConstruction {
		return fmt.Errorf("inode %d: %w", id, ErrNotUnderConstruction)
	}
	f.Client = client
	return nil
}

// Complete closes a file under construction. All blocks must be committed.
func (t *Tree) Complete(id lease.INodeID) error {
	f, err := t.writable(id)
	if err != nil {
		return err
	}
	if n := f.PendingBlocks(); n > 0 {
		return fmt.Errorf("inode %d: %d blocks: %w", id, n, ErrBlocksNotCommitted)
	}
	f.UnderConstruction = false
	f.Client = ""
	return nil
}

// Delete removes the file at path, or every file below it when path names a
// directory. It returns the IDs removed in ascending order.
func (t *Tree) Delete(p string) ([]lease.INodeID, error) {
	p, err := cleanPath(p)
	if err != nil {
		return nil, err
	}

	var ids []lease.INodeID
	prefix := strings.TrimSuffix(p, "/") + "/"
	for fp, f := range t.byPath {
		if fp == p || strings.HasPrefix(fp, prefix) {
			ids = append(ids, f.ID)
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%s: %w", p, ErrFileNotFound)
	}

	slices.Sort(ids)
	for _, id := range ids {
		f := t.byID[id]
		delete(t.byID, id)
		delete(t.byPath, f.Path)
	}
	return ids, nil
}

// WalkUnderConstruction calls fn for every file under construction, in
// ascending ID order, with the client recorded on it. It stops at the first
// error fn returns.
func (t *Tree) WalkUnderConstruction(fn func(id lease.INodeID, clientName string) error) error {
	for _, f := range t.UnderConstruction() {
		if err := fn(f.ID, f.Client); err != nil {
			return err
		}
	}
	return nil
}

// UnderConstruction returns the files open for writing, ascending by ID.
func (t *Tree) UnderConstruction() []File {
	var files []File
	for _, f := range t.byID {
		if f.UnderConstruction {
			files = append(files, f.clone())
		}
	}
	slices.SortFunc(files, func(a, b File) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return files
}

// Len returns the number of files.
func (t *Tree) Len() int {
	return len(t.byID)
}

func (t *Tree) lookup(p string) (*File, error) {
	p, err := cleanPath(p)
	if err != nil {
		return nil, err
	}
	f, ok := t.byPath[p]
	if !ok {
		return nil, fmt.Errorf("%s: %w", p, ErrFileNotFound)
	}
	return f, nil
}

func (t *Tree) get(id lease.INodeID) (*File, error) {
	f, ok := t.byID[id]
	if !ok {
		return nil, fmt.Errorf("inode %d: %w", id, ErrFileNotFound)
	}
	return f, nil
}

// writable returns a file under construction that is not recovering.
func (t *Tree) writable(id lease.INodeID) (*File, error) {
	f, err := t.get(id)
	if err != nil {
		return nil, err
	}
	if !f.UnderConstruction {
		return nil, fmt.Errorf("inode %d: %w", id, ErrNotUnderConstruction)
	}
	if f.Recovering {
		return nil, fmt.Errorf("inode %d: %w", id, ErrRecoveryInProgress)
	}
	return f, nil
}

func commitAll(f *File) {
	for i := range f.Blocks {
		f.Blocks[i].Committed = true
	}
}

func cleanPath(p string) (string, error) {
	if !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%q: %w", p, ErrInvalidPath)
	}
	p = path.Clean(p)
	if p == "/" {
		return "", fmt.Errorf("%q: %w", p, ErrInvalidPath)
	}
	return p, nil
}
