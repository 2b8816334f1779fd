// Package intake turns files handed to the app (uploads, paths, a watched
// drop folder, queue messages) into entries the batch coordinator accepts.
// Only content sniffed as image/* gets through.
package intake

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"imgbuild/internal/models"
)

var ErrNotImage = errors.New("not an image")

// Entry is one accepted file. Exactly one of Path and Data is the byte source.
type Entry struct {
	Name string
	Path string
	Size int64
	Data []byte
	MIME string
}

// FromPath sniffs the file at path and returns an entry that reads lazily
// from disk.
func FromPath(path string) (Entry, error) {
	const op = "intake.FromPath"

	fi, err := os.Stat(path)
	if err != nil {
		return Entry{}, fmt.Errorf("%s: %w", op, err)
	}
	if fi.IsDir() {
		return Entry{}, fmt.Errorf("%s: %s is a directory: %w", op, path, ErrNotImage)
	}
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return Entry{}, fmt.Errorf("%s: %w", op, err)
	}
	if !isImage(mt) {
		return Entry{}, fmt.Errorf("%s: %s is %s: %w", op, filepath.Base(path), mt.String(), ErrNotImage)
	}
	return Entry{
		Name: filepath.Base(path),
		Path: path,
		Size: fi.Size(),
		MIME: mt.String(),
	}, nil
}

// FromBytes accepts an in-memory upload.
func FromBytes(name string, data []byte) (Entry, error) {
	const op = "intake.FromBytes"

	mt := mimetype.Detect(data)
	if !isImage(mt) {
		return Entry{}, fmt.Errorf("%s: %s is %s: %w", op, name, mt.String(), ErrNotImage)
	}
	return Entry{
		Name: filepath.Base(name),
		Size: int64(len(data)),
		Data: data,
		MIME: mt.String(),
	}, nil
}

// Source is the byte source an item built from e reads from.
func (e Entry) Source() models.Source {
	return models.Source{Path: e.Path, Data: e.Data, MIME: e.MIME}
}

func isImage(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		if strings.HasPrefix(m.String(), "image/") {
			return true
		}
	}
	return false
}
