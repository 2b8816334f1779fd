package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"imgbuild/internal/batch"
	"imgbuild/internal/codec"
	"imgbuild/internal/intake"
	"imgbuild/internal/models"
	"imgbuild/internal/persist"
	"imgbuild/internal/transform"
)

type policyRequest struct {
	Mode     string `json:"mode"`
	Lossless *bool  `json:"lossless"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

type pathsRequest struct {
	Paths []string `json:"paths"`
}

type saveRequest struct {
	Path string `json:"path"`
}

type saveAllRequest struct {
	Directory string `json:"directory"`
}

type rejected struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "counts": s.deps.Coordinator.Counts()})
}

func (s *Server) handleUpload(c *gin.Context) {
	const op = "server.handleUpload"

	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	files := form.File["image"]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no image files provided"})
		return
	}

	var entries []intake.Entry
	var skipped []rejected
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			skipped = append(skipped, rejected{Name: fh.Filename, Error: err.Error()})
			continue
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			skipped = append(skipped, rejected{Name: fh.Filename, Error: err.Error()})
			continue
		}
		e, err := intake.FromBytes(filepath.Base(fh.Filename), data)
		if err != nil {
			skipped = append(skipped, rejected{Name: fh.Filename, Error: err.Error()})
			continue
		}
		entries = append(entries, e)
	}
	s.respondAdded(c, entries, skipped)
}

func (s *Server) handleAddPaths(c *gin.Context) {
	var req pathsRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Paths) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "paths are required"})
		return
	}

	var entries []intake.Entry
	var skipped []rejected
	for _, p := range req.Paths {
		e, err := intake.FromPath(p)
		if err != nil {
			skipped = append(skipped, rejected{Name: p, Error: err.Error()})
			continue
		}
		entries = append(entries, e)
	}
	s.respondAdded(c, entries, skipped)
}

func (s *Server) respondAdded(c *gin.Context, entries []intake.Entry, skipped []rejected) {
	if len(entries) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no images accepted", "rejected": skipped})
		return
	}
	added := s.deps.Coordinator.Add(entries...)
	s.log.Info("images added", zap.Int("added", len(added)), zap.Int("rejected", len(skipped)))
	c.JSON(http.StatusCreated, gin.H{"added": added, "rejected": skipped})
}

func (s *Server) handleListImages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"images": s.deps.Coordinator.List(),
		"counts": s.deps.Coordinator.Counts(),
	})
}

func (s *Server) handleClearImages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"removed": s.deps.Coordinator.Clear()})
}

func (s *Server) handleGetImage(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	item, err := s.deps.Coordinator.Get(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (s *Server) handleDeleteImage(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := s.deps.Coordinator.Remove(id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleProcess runs one batch over the pending items and answers once all
// of them have settled. A client that goes away does not abort the batch.
func (s *Server) handleProcess(c *gin.Context) {
	policy, ok := s.bindPolicy(c)
	if !ok {
		return
	}
	report := s.deps.Coordinator.RunBatch(context.WithoutCancel(c.Request.Context()), policy)
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleReprocess(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	policy, ok := s.bindPolicy(c)
	if !ok {
		return
	}
	item, err := s.deps.Coordinator.Reprocess(context.WithoutCancel(c.Request.Context()), id, policy)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (s *Server) handleReset(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	item, err := s.deps.Coordinator.Reset(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (s *Server) handleOutput(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	item, err := s.deps.Coordinator.Get(id)
	if err != nil {
		respondError(c, err)
		return
	}
	if item.Status != models.StatusDone || item.ProcessedPayload == nil {
		c.JSON(http.StatusAccepted, gin.H{"status": item.Status})
		return
	}

	name := item.LastResult.SuggestedName
	mime := "application/octet-stream"
	if f, ok := codec.FormatFromExt(filepath.Ext(name)); ok {
		mime = f.MIME()
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	c.Data(http.StatusOK, mime, item.ProcessedPayload)
}

func (s *Server) handleSave(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req saveRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	out := s.deps.Gateway.SaveItem(c.Request.Context(), persist.StaticPrompter{Location: req.Path}, s.deps.Coordinator, id)
	if out.Err != nil {
		respondError(c, out.Err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleSaveAll(c *gin.Context) {
	var req saveAllRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	report := s.deps.Gateway.SaveAll(c.Request.Context(), persist.StaticPrompter{Location: req.Directory, IsDir: true}, s.deps.Coordinator)
	body := gin.H{
		"cancelled": report.Cancelled,
		"attempted": report.Attempted,
		"saved":     report.Saved,
		"paths":     report.Paths,
	}
	status := http.StatusOK
	if report.Err != nil {
		body["error"] = report.Err.Error()
		if report.Saved == 0 {
			status = http.StatusInternalServerError
		}
	}
	c.JSON(status, body)
}

func (s *Server) handleListNotifications(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Notifications.List())
}

func (s *Server) handleDismissNotification(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if !s.deps.Notifications.Dismiss(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRevealNotification(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	n, found := s.deps.Notifications.Get(id)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
		return
	}
	if err := s.deps.Revealer.Reveal(n.FilePath); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleHistory(c *gin.Context) {
	const op = "server.handleHistory"

	if s.deps.History == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "save history is not configured"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	records, err := s.deps.History.ListRecords(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	c.JSON(http.StatusOK, records)
}

// bindPolicy reads an optional policy body. Missing fields fall back to
// smart mode and the configured lossless flag.
func (s *Server) bindPolicy(c *gin.Context) (transform.Policy, bool) {
	var req policyRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return nil, false
		}
	}
	mode := transform.Mode(req.Mode)
	if mode == "" {
		mode = transform.ModeSmart
	}
	lossless := s.cfg.Lossless
	if req.Lossless != nil {
		lossless = *req.Lossless
	}
	policy, err := transform.NewPolicy(mode, lossless, req.Width, req.Height)
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return policy, true
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid id: %v", err)})
		return uuid.Nil, false
	}
	return id, true
}

func respondError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, batch.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, batch.ErrNotReprocessable),
		errors.Is(err, models.ErrIllegalTransition),
		errors.Is(err, persist.ErrNothingToSave):
		return http.StatusConflict
	case errors.Is(err, transform.ErrResizeBounds),
		errors.Is(err, transform.ErrUnknownMode),
		errors.Is(err, intake.ErrNotImage),
		errors.Is(err, persist.ErrNoObjectStore),
		errors.Is(err, persist.ErrNotRevealable):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
