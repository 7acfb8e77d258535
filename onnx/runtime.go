// Package onnx locates the ONNX Runtime shared library for the current
// platform.
package onnx

import (
	"log/slog"
	"os"
	"runtime"
	"sync"

	"github.com/mkulima/leafscan/config"
)

var pathOnce sync.Once
var libPath string

// LibPath returns the shared-library path to hand to
// ort.SetSharedLibraryPath. The config entry wins; otherwise well-known
// install locations per OS are probed.
func LibPath() string {
	pathOnce.Do(func() {
		libPath = loadLibPath()
		if libPath == "" {
			slog.Error("ONNX Runtime library path could not be determined for this OS")
		} else {
			slog.Info("Using ONNX Runtime library", slog.String("path", libPath))
		}
	})
	return libPath
}

func loadLibPath() string {
	if config.C().Libonnx != "" {
		return config.C().Libonnx
	}
	var candidates []string
	switch runtime.GOOS {
	case "linux":
		candidates = []string{
			"onnxlibs/libonnxruntime.so",
			"/usr/local/lib/libonnxruntime.so",
			"/usr/lib/libonnxruntime.so",
		}
	case "darwin":
		candidates = []string{
			"onnxlibs/libonnxruntime.dylib",
			"/usr/local/lib/libonnxruntime.dylib",
			"/opt/homebrew/lib/libonnxruntime.dylib",
		}
	case "windows":
		candidates = []string{"onnxruntime.dll"}
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
