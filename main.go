package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/mkulima/leafscan/config"
	"github.com/mkulima/leafscan/model"
	"github.com/mkulima/leafscan/onnx"
	"github.com/mkulima/leafscan/server"
	"github.com/mkulima/leafscan/service"
	"github.com/mkulima/leafscan/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	_ = godotenv.Load()
	slog.Info("Starting LeafScan")

	ort.SetSharedLibraryPath(onnx.LibPath())
	if err := ort.InitializeEnvironment(); err != nil {
		slog.Error("Failed to initialize ONNX Runtime environment", slog.String("error", err.Error()))
		return
	}
	defer ort.DestroyEnvironment()

	cfg := config.C()

	results, err := store.New(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to open result store", slog.String("error", err.Error()))
		return
	}
	defer results.Close()

	manager := model.NewManager(cfg.ModelPath(), cfg.LabelsPath(), nil)
	defer manager.Dispose()

	pipeline := service.New(manager, results)

	// Warm the model up front. A failed load is sticky and queryable; the
	// reload endpoint can recover without a restart.
	if err := manager.EnsureReady(ctx); err != nil {
		slog.Error("Model load failed, serving in degraded state", slog.String("error", err.Error()))
	}
	pipeline.RecordModelStatus(ctx)

	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()
	server.New(pipeline, manager, results).Register(r)

	addr := cfg.Host + ":" + cfg.Port
	srv := &http.Server{Addr: addr, Handler: r}
	slog.Info("Listening on", slog.String("address", addr))
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server error", slog.String("error", err.Error()))
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown", slog.String("error", err.Error()))
	}
}
