package config

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Token string `toml:"token"`
	Host  string `toml:"host"`
	Port  string `toml:"port"`

	Libonnx string `toml:"libonnx"`

	ModelDir       string `toml:"model_dir"`
	ModelFileName  string `toml:"model_file_name"`
	LabelsFileName string `toml:"labels_file_name"`

	DBPath    string `toml:"db_path"`
	UploadDir string `toml:"upload_dir"`
}

var (
	cfg = Config{
		Host:           "0.0.0.0",
		Port:           "8000",
		ModelDir:       "models",
		ModelFileName:  "plant_disease_model.onnx",
		LabelsFileName: "labels.json",
		DBPath:         "leafscan.db",
		UploadDir:      "uploads",
	}
	loadOnce sync.Once
)

// C returns the process configuration. Defaults are overridden once by the
// TOML file at LEAFSCAN_CONFIG (or ./config.toml) on first call.
func C() Config {
	loadOnce.Do(func() {
		path := os.Getenv("LEAFSCAN_CONFIG")
		if path == "" {
			path = "config.toml"
		}
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				panic(err)
			}
			if err := toml.Unmarshal(data, &cfg); err != nil {
				panic(err)
			}
		}
		if port := os.Getenv("LEAFSCAN_PORT"); port != "" {
			cfg.Port = port
		}
	})
	return cfg
}

// ModelPath is the location of the packaged model artifact.
func (c Config) ModelPath() string {
	return filepath.Join(c.ModelDir, c.ModelFileName)
}

// LabelsPath is the location of the packaged label resource.
func (c Config) LabelsPath() string {
	return filepath.Join(c.ModelDir, c.LabelsFileName)
}
