// Package server exposes the diagnosis pipeline over HTTP.
package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mkulima/leafscan/config"
	"github.com/mkulima/leafscan/diagnosis"
	"github.com/mkulima/leafscan/errs"
	"github.com/mkulima/leafscan/model"
	"github.com/mkulima/leafscan/preprocess"
	"github.com/mkulima/leafscan/service"
	"github.com/mkulima/leafscan/store"
)

type Server struct {
	pipeline *service.Pipeline
	manager  *model.Manager
	results  *store.Store
}

func New(pipeline *service.Pipeline, manager *model.Manager, results *store.Store) *Server {
	return &Server{pipeline: pipeline, manager: manager, results: results}
}

// Register wires the API routes onto the gin engine.
func (s *Server) Register(r *gin.Engine) {
	r.GET("/health", s.Health)

	api := r.Group("/api", s.authenticate)
	api.POST("/predict", s.Predict)
	api.POST("/reload", s.Reload)
	api.GET("/history", s.History)
	api.GET("/history/:id", s.HistoryItem)
	api.DELETE("/history/:id", s.DeleteHistory)
	api.PATCH("/history/:id/sync", s.UpdateSync)
	api.GET("/treatment/:disease", s.Treatment)
}

func (s *Server) authenticate(c *gin.Context) {
	expected := config.C().Token
	if expected == "" {
		return
	}
	auth := c.GetHeader("Authorization")
	provided := ""
	if len(auth) > 7 && auth[:7] == "Bearer " {
		provided = auth[7:]
	}
	if subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}

func (s *Server) Health(c *gin.Context) {
	state := s.manager.State()
	resp := gin.H{
		"status":   "healthy",
		"model":    state.String(),
		"degraded": s.manager.Degraded(),
	}
	if err := s.manager.LastError(); err != nil {
		resp["model_error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// Predict accepts a multipart image upload, stores it under the uploads
// directory and runs the diagnosis pipeline on it.
func (s *Server) Predict(c *gin.Context) {
	fileHeader, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no image file provided"})
		return
	}

	// Reject junk before it reaches the uploads directory.
	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read uploaded image"})
		return
	}
	verr := preprocess.ValidateUpload(fileHeader.Filename, fileHeader.Size, f)
	f.Close()
	if verr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error(), "kind": errs.KindOf(verr).String()})
		return
	}

	uploadDir := config.C().UploadDir
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cannot create upload directory"})
		return
	}
	name := fmt.Sprintf("%s_%s%s", time.Now().UTC().Format("20060102_150405"),
		uuid.New().String()[:8], filepath.Ext(fileHeader.Filename))
	imagePath := filepath.Join(uploadDir, name)
	if err := c.SaveUploadedFile(fileHeader, imagePath); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cannot store uploaded image"})
		return
	}

	req := service.Request{
		ImagePath: imagePath,
		Notes:     c.PostForm("notes"),
	}
	if lat, err := strconv.ParseFloat(c.PostForm("latitude"), 64); err == nil {
		req.Latitude = &lat
	}
	if lon, err := strconv.ParseFloat(c.PostForm("longitude"), 64); err == nil {
		req.Longitude = &lon
	}

	result, err := s.pipeline.Diagnose(c.Request.Context(), req)
	if err != nil && errs.KindOf(err) == errs.KindStoreWriteFailure && result != nil {
		// The diagnosis is still worth returning even though it was not
		// persisted.
		c.JSON(http.StatusOK, gin.H{"result": result, "warning": "result not persisted"})
		return
	}
	if err != nil {
		slog.Error("diagnose failed", slog.String("error", err.Error()))
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

func (s *Server) Reload(c *gin.Context) {
	if err := s.manager.Reload(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	s.pipeline.RecordModelStatus(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"model": s.manager.State().String()})
}

func (s *Server) History(c *gin.Context) {
	results, err := s.results.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "count": len(results)})
}

func (s *Server) HistoryItem(c *gin.Context) {
	result, err := s.results.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

func (s *Server) DeleteHistory(c *gin.Context) {
	err := s.results.Delete(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("id")})
}

func (s *Server) UpdateSync(c *gin.Context) {
	var body struct {
		Synced bool `json:"synced"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	err := s.results.UpdateSyncStatus(c.Request.Context(), c.Param("id"), body.Synced)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "is_synced": body.Synced})
}

// Treatment returns the static treatment and scientific-name entry for a
// raw disease label.
func (s *Server) Treatment(c *gin.Context) {
	raw := c.Param("disease")
	c.JSON(http.StatusOK, gin.H{
		"disease":         raw,
		"display_name":    diagnosis.FormatDiseaseName(raw),
		"treatment":       diagnosis.TreatmentFor(raw, 1),
		"scientific_name": diagnosis.ScientificNameFor(raw),
	})
}

// writeError maps the error taxonomy onto HTTP statuses and always includes
// the kind so the client can branch without parsing message text.
func writeError(c *gin.Context, err error) {
	kind := errs.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case errs.KindImageNotFound, errs.KindDecodeError:
		status = http.StatusBadRequest
	case errs.KindResourceMissing, errs.KindModelUnavailable:
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": kind.String()})
}
