package namespace

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"

	lease "github.com/ozanturksever/go-lease"
)

// ImageVersion is the format version written by WriteImage.
const ImageVersion = 1

// ErrImageVersion indicates an image written in an unknown format.
var ErrImageVersion = errors.New("unsupported image version")

type image struct {
	Version     int           `json:"version"`
	NextID      lease.INodeID `json:"nextId"`
	NextBlockID uint64        `json:"nextBlockId"`
	Files       []*File       `json:"files"`
}

// WriteImage encodes the tree. Under-construction markers are saved so that
// leases can be rebuilt from the image. Block recovery state is not.
func (t *Tree) WriteImage(w io.Writer) error {
	img := image{
		Version:     ImageVersion,
		NextID:      t.nextID,
		NextBlockID: t.nextBlockID,
		Files:       make([]*File, 0, len(t.byID)),
	}
	for _, f := range t.byID {
		img.Files = append(img.Files, f)
	}
	slices.SortFunc(img.Files, func(a, b *File) int {
		return cmp.Compare(a.ID, b.ID)
	})

	if err := json.NewEncoder(w).Encode(img); err != nil {
		return fmt.Errorf("encode image: %w", err)
	}
	return nil
}

// ReadImage decodes a tree written by WriteImage.
func ReadImage(r io.Reader) (*Tree, error) {
	var img image
	if err := json.NewDecoder(r).Decode(&img); err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if img.Version != ImageVersion {
		return nil, fmt.Errorf("version %d: %w", img.Version, ErrImageVersion)
	}

	t := New()
	for _, f := range img.Files {
		if _, ok := t.byID[f.ID]; ok {
			return nil, fmt.Errorf("decode image: duplicate inode %d", f.ID)
		}
		p, err := cleanPath(f.Path)
		if err != nil {
			return nil, fmt.Errorf("decode image: %w", err)
		}
		if _, ok := t.byPath[p]; ok {
			return nil, fmt.Errorf("decode image: %s: %w", p, ErrFileExists)
		}
		f.Path = p
		t.byID[f.ID] = f
		t.byPath[p] = f
		if f.ID >= t.nextID {
			t.nextID = f.ID + 1
		}
		for _, b := range f.Blocks {
			if b.ID >= t.nextBlockID {
				t.nextBlockID = b.ID + 1
			}
		}
	}
	if img.NextID > t.nextID {
		t.nextID = img.NextID
	}
	if img.NextBlockID > t.nextBlockID {
		t.nextBlockID = img.NextBlockID
	}
	return t, nil
}
