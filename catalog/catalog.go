// Package catalog loads the label resource mapping output-tensor indices to
// disease identifiers.
package catalog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
)

// Placeholder is the label used for indices missing from the resource, so a
// corrupt or partial label file degrades instead of blocking startup.
func Placeholder(i int) string {
	return fmt.Sprintf("Unknown_Disease_%d", i)
}

// defaultLabels is the built-in fallback set used when the label resource is
// entirely unreadable. Loading it puts the catalog in degraded mode.
var defaultLabels = []string{
	"Tomato_healthy",
	"Tomato_Early_blight",
	"Tomato_Late_blight",
	"Potato_healthy",
	"Potato_Early_blight",
	"Potato_Late_blight",
	"Maize_healthy",
	"Maize_Common_rust",
}

// Catalog is an ordered, index-addressed list of disease identifiers.
// Immutable after load except for AlignTo, which is called once while the
// lifecycle manager still exclusively owns it.
type Catalog struct {
	labels   []string
	degraded bool
}

// Load reads a JSON resource mapping string-encoded indices ("0".."N-1") to
// disease names and materializes it as a dense 0..max slice, filling gaps
// with placeholders. An unreadable or unparseable resource falls back to the
// built-in default set and marks the catalog degraded.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Error("label resource unreadable, using built-in defaults",
			slog.String("path", path), slog.String("error", err.Error()))
		return Default(), nil
	}

	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		slog.Error("label resource unparseable, using built-in defaults",
			slog.String("path", path), slog.String("error", err.Error()))
		return Default(), nil
	}
	if len(raw) == 0 {
		slog.Error("label resource empty, using built-in defaults", slog.String("path", path))
		return Default(), nil
	}

	maxIdx := -1
	byIndex := make(map[int]string, len(raw))
	for key, name := range raw {
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 {
			slog.Warn("skipping non-index label key", slog.String("key", key))
			continue
		}
		byIndex[i] = name
		if i > maxIdx {
			maxIdx = i
		}
	}
	if maxIdx < 0 {
		slog.Error("label resource has no usable keys, using built-in defaults", slog.String("path", path))
		return Default(), nil
	}

	labels := make([]string, maxIdx+1)
	for i := range labels {
		if name, ok := byIndex[i]; ok && name != "" {
			labels[i] = name
		} else {
			labels[i] = Placeholder(i)
		}
	}
	return &Catalog{labels: labels}, nil
}

// Default returns the built-in fallback catalog, flagged degraded.
func Default() *Catalog {
	labels := make([]string, len(defaultLabels))
	copy(labels, defaultLabels)
	return &Catalog{labels: labels, degraded: true}
}

func (c *Catalog) Len() int { return len(c.labels) }

// Degraded reports whether the catalog came from the built-in fallback set.
func (c *Catalog) Degraded() bool { return c.degraded }

// Label resolves an output-tensor index to a disease identifier.
// Out-of-range indices resolve to a placeholder, never panic.
func (c *Catalog) Label(i int) string {
	if i < 0 || i >= len(c.labels) {
		return Placeholder(i)
	}
	return c.labels[i]
}

// Labels returns a copy of the ordered label list.
func (c *Catalog) Labels() []string {
	out := make([]string, len(c.labels))
	copy(out, c.labels)
	return out
}

// AlignTo pads the catalog with placeholders up to n entries so its length
// matches the model's output tensor. A catalog longer than n is left alone;
// the extra indices are simply never produced by the model.
func (c *Catalog) AlignTo(n int) {
	for i := len(c.labels); i < n; i++ {
		c.labels = append(c.labels, Placeholder(i))
	}
}
