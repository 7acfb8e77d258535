// Package service composes the diagnosis pipeline: ensure the model is
// ready, preprocess the image, run inference, interpret the distribution and
// persist the result.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mkulima/leafscan/diagnosis"
	"github.com/mkulima/leafscan/errs"
	"github.com/mkulima/leafscan/model"
	"github.com/mkulima/leafscan/preprocess"
	"github.com/mkulima/leafscan/store"
)

// Pipeline is the entry point consumed by the HTTP boundary (or any other
// presentation layer).
type Pipeline struct {
	manager *model.Manager
	results *store.Store
}

func New(manager *model.Manager, results *store.Store) *Pipeline {
	return &Pipeline{manager: manager, results: results}
}

// Request carries one diagnosis request. Latitude/Longitude and Notes are
// optional caller-supplied context recorded alongside the result.
type Request struct {
	ImagePath string
	Latitude  *float64
	Longitude *float64
	Notes     string
}

// Diagnose runs the full pipeline for one image and persists the result
// with IsSynced=false. If persistence fails the computed result is still
// returned together with a StoreWriteFailure error: the user-visible
// diagnosis is worth more than the stored record.
func (p *Pipeline) Diagnose(ctx context.Context, req Request) (*store.ScanResult, error) {
	if err := p.manager.EnsureReady(ctx); err != nil {
		return nil, err
	}

	// Snapshot the catalog with the input shape: a concurrent Reload or
	// Dispose must not pull it out from under the interpretation step.
	info, ok := p.manager.InputInfo()
	cat := p.manager.Catalog()
	if !ok || cat == nil {
		return nil, errs.New(errs.KindModelUnavailable, "model is not loaded")
	}

	tensor, err := preprocess.Prepare(req.ImagePath, info.Height, info.Width, info.Channels)
	if err != nil {
		return nil, err
	}

	probs, err := p.manager.Infer(ctx, tensor)
	if err != nil {
		return nil, err
	}

	diag, err := diagnosis.Interpret(probs, cat)
	if err != nil {
		return nil, err
	}

	result := &store.ScanResult{
		ID:        uuid.New().String(),
		ImagePath: req.ImagePath,
		Diagnosis: diag,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		Notes:     req.Notes,
		IsSynced:  false,
		CreatedAt: time.Now().UTC(),
	}

	slog.Info("diagnosis complete",
		slog.String("id", result.ID),
		slog.String("disease", diag.Disease),
		slog.Float64("confidence", float64(diag.Confidence)),
		slog.String("severity", string(diag.Severity)))

	if err := p.results.Save(ctx, result); err != nil {
		slog.Error("persisting scan result failed", slog.String("id", result.ID), slog.String("error", err.Error()))
		return result, errs.Wrap(errs.KindStoreWriteFailure, "result computed but not persisted", err)
	}
	return result, nil
}

// RecordModelStatus stores the manager's current lifecycle state in the
// auxiliary metadata so a later session can tell how the last load went.
func (p *Pipeline) RecordModelStatus(ctx context.Context) {
	status := p.manager.State().String()
	if p.manager.Degraded() {
		status += "-degraded"
	}
	if err := p.results.SetMeta(ctx, "model_load_status", status); err != nil {
		slog.Warn("recording model status", slog.String("error", err.Error()))
	}
}
