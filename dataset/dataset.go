// Package dataset reads class-per-directory image datasets, the layout
// the top-K tables are computed against. Ordering is deterministic so a
// persisted image index always resolves to the same file.
package dataset

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"
)

type Sample struct {
	Path  string
	Class int
}

type ImageFolder struct {
	Root    string
	Classes []string
	Samples []Sample
}

func isImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}

// Open scans root, treating each subdirectory as one class. Directory
// entries come back sorted, so sample indices are stable across runs.
func Open(root string) (*ImageFolder, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("open dataset %s: %w", root, err)
	}

	ds := &ImageFolder{Root: root}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		class := len(ds.Classes)
		ds.Classes = append(ds.Classes, e.Name())

		files, err := os.ReadDir(filepath.Join(root, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read class dir %s: %w", e.Name(), err)
		}
		for _, f := range files {
			if f.IsDir() || !isImageFile(f.Name()) {
				continue
			}
			ds.Samples = append(ds.Samples, Sample{
				Path:  filepath.Join(root, e.Name(), f.Name()),
				Class: class,
			})
		}
	}

	if len(ds.Samples) == 0 {
		return nil, fmt.Errorf("dataset %s contains no images", root)
	}
	return ds, nil
}

func (d *ImageFolder) Len() int {
	return len(d.Samples)
}

func (d *ImageFolder) Class(i int) int {
	return d.Samples[i].Class
}

// Image decodes sample i.
func (d *ImageFolder) Image(i int) (image.Image, error) {
	if i < 0 || i >= len(d.Samples) {
		return nil, fmt.Errorf("image index %d out of range [0, %d)", i, len(d.Samples))
	}
	f, err := os.Open(d.Samples[i].Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", d.Samples[i].Path, err)
	}
	return img, nil
}

// Label returns the human-readable class name of sample i. Class
// directories are expected to carry a leading sort prefix separated by
// underscores (the iNat convention); the prefix is dropped and the rest
// joined with spaces.
func (d *ImageFolder) Label(i int) string {
	return PrettyLabel(d.Classes[d.Samples[i].Class])
}

func PrettyLabel(class string) string {
	parts := strings.Split(class, "_")
	if len(parts) < 2 {
		return class
	}
	return strings.Join(parts[1:], " ")
}
