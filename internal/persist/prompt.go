package persist

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
)

type FileFilter struct {
	Name       string   `json:"name"`
	Extensions []string `json:"extensions"`
}

// FiltersFor returns the save-dialog filters for an output format.
func FiltersFor(format string) []FileFilter {
	var filters []FileFilter
	switch format {
	case "webp":
		filters = append(filters, FileFilter{Name: "WebP Image", Extensions: []string{"webp"}})
	case "png":
		filters = append(filters, FileFilter{Name: "PNG Image", Extensions: []string{"png"}})
	default:
		filters = append(filters, FileFilter{Name: "JPEG Image", Extensions: []string{"jpg", "jpeg"}})
	}
	return append(filters, FileFilter{Name: "All Files", Extensions: []string{"*"}})
}

// Prompter asks the user where to write. A false second return means the
// user cancelled.
type Prompter interface {
	SaveLocation(ctx context.Context, defaultName string, filters []FileFilter) (string, bool)
	Directory(ctx context.Context) (string, bool)
}

// StaticPrompter answers every prompt with a location chosen up front, as the
// HTTP API and the CLI do. An empty Location is a cancelled prompt. When
// Location is a directory and a file is requested, the default name is
// appended.
type StaticPrompter struct {
	Location string
	IsDir    bool
}

func (p StaticPrompter) SaveLocation(_ context.Context, defaultName string, _ []FileFilter) (string, bool) {
	if p.Location == "" {
		return "", false
	}
	if p.IsDir {
		return JoinLocation(p.Location, defaultName), true
	}
	return p.Location, true
}

func (p StaticPrompter) Directory(context.Context) (string, bool) {
	return p.Location, p.Location != ""
}

var ErrNotRevealable = errors.New("location cannot be shown in a file manager")

type Revealer interface {
	Reveal(path string) error
}

// OSRevealer opens the platform file manager at path.
type OSRevealer struct{}

func (OSRevealer) Reveal(path string) error {
	const op = "persist.Reveal"

	if IsObjectLocation(path) {
		return fmt.Errorf("%s: %s: %w", op, path, ErrNotRevealable)
	}
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", "-R", path)
	case "windows":
		cmd = exec.Command("explorer", "/select,", path)
	default:
		cmd = exec.Command("xdg-open", filepath.Dir(path))
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	go cmd.Wait()
	return nil
}
