// internal/models/models.go
package models

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

var ErrIllegalTransition = errors.New("illegal status transition")

// transitions lists every allowed move. error has no way out: the item is
// removed and added again instead.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusDone, StatusError},
	StatusDone:       {StatusProcessing, StatusPending},
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Source is where the original bytes come from: a path on disk or an
// in-memory buffer (uploads).
type Source struct {
	Path string `json:"path,omitempty"`
	Data []byte `json:"-"`
	MIME string `json:"mime,omitempty"`
}

// Bytes returns the source content, reading path sources from disk.
func (s Source) Bytes() ([]byte, error) {
	if s.Data != nil {
		return s.Data, nil
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	return data, nil
}

type TransformResult struct {
	Success        bool   `json:"success"`
	Output         []byte `json:"-"`
	Format         string `json:"format,omitempty"`
	SuggestedName  string `json:"suggested_name,omitempty"`
	OriginalSize   int64  `json:"original_size,omitempty"`
	FinalSize      int64  `json:"final_size,omitempty"`
	SavingsPercent int    `json:"savings_percent"`
	Width          int    `json:"width,omitempty"`
	Height         int    `json:"height,omitempty"`
	Error          string `json:"error,omitempty"`
}

type ImageItem struct {
	ID                uuid.UUID        `json:"id"`
	Name              string           `json:"name"`
	Source            Source           `json:"source"`
	OriginalSize      int64            `json:"original_size"`
	Status            Status           `json:"status"`
	LastResult        *TransformResult `json:"last_result,omitempty"`
	ProcessedPayload  []byte           `json:"-"`
	ProcessedPreview  string           `json:"processed_preview,omitempty"`
	ProcessedSize     int64            `json:"processed_size,omitempty"`
	CumulativeSavings *int             `json:"cumulative_savings,omitempty"`
	Saved             bool             `json:"saved"`
	// Revision changes whenever ProcessedPayload does.
	Revision uint64    `json:"revision"`
	AddedAt  time.Time `json:"added_at"`
}

// SaveRecord is one output written to disk or object storage.
type SaveRecord struct {
	ID           uuid.UUID `json:"id" db:"id"`
	ItemID       uuid.UUID `json:"item_id" db:"item_id"`
	FileName     string    `json:"file_name" db:"file_name"`
	FilePath     string    `json:"file_path" db:"file_path"`
	Format       string    `json:"format" db:"format"`
	OriginalSize int64     `json:"original_size" db:"original_size"`
	FinalSize    int64     `json:"final_size" db:"final_size"`
	Savings      int       `json:"savings" db:"savings"`
	SavedAt      time.Time `json:"saved_at" db:"saved_at"`
}

func NewImageItem(name string, src Source, size int64) *ImageItem {
	return &ImageItem{
		ID:           uuid.New(),
		Name:         name,
		Source:       src,
		OriginalSize: size,
		Status:       StatusPending,
		AddedAt:      time.Now(),
	}
}

// Transition moves the item to the given status or fails with
// ErrIllegalTransition, leaving the item untouched.
func (i *ImageItem) Transition(to Status) error {
	const op = "models.Transition"
	if !CanTransition(i.Status, to) {
		return fmt.Errorf("%s: %s -> %s: %w", op, i.Status, to, ErrIllegalTransition)
	}
	i.Status = to
	return nil
}

// Complete applies a settled transform to a processing item. A successful
// result replaces the payload, which always clears Saved.
func (i *ImageItem) Complete(res TransformResult, preview string) error {
	if !res.Success {
		if err := i.Transition(StatusError); err != nil {
			return err
		}
		i.LastResult = &res
		return nil
	}
	if err := i.Transition(StatusDone); err != nil {
		return err
	}
	savings := SavingsPercent(i.OriginalSize, res.FinalSize)
	i.LastResult = &res
	i.ProcessedPayload = res.Output
	i.ProcessedPreview = preview
	i.ProcessedSize = res.FinalSize
	i.CumulativeSavings = &savings
	i.Saved = false
	i.Revision++
	return nil
}

// Reset reverts a done item to its freshly added state.
func (i *ImageItem) Reset() error {
	if err := i.Transition(StatusPending); err != nil {
		return err
	}
	i.LastResult = nil
	i.ProcessedPayload = nil
	i.ProcessedPreview = ""
	i.ProcessedSize = 0
	i.CumulativeSavings = nil
	i.Saved = false
	i.Revision++
	return nil
}

// Reprocessable reports whether the item can be fed back into the executor.
func (i *ImageItem) Reprocessable() bool {
	return i.Status == StatusDone && i.ProcessedPayload != nil
}

// Snapshot returns a copy that shares no mutable state with i.
func (i *ImageItem) Snapshot() ImageItem {
	c := *i
	if i.LastResult != nil {
		r := *i.LastResult
		c.LastResult = &r
	}
	if i.CumulativeSavings != nil {
		s := *i.CumulativeSavings
		c.CumulativeSavings = &s
	}
	return c
}

// SavingsPercent is round((1 - final/original) * 100), halves rounding up.
// Negative when the output grew.
func SavingsPercent(original, final int64) int {
	if original <= 0 {
		return 0
	}
	v := (1 - float64(final)/float64(original)) * 100
	return int(math.Floor(v + 0.5))
}
