package ingestion

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/STRATINT/digest/internal/registry"
)

// DefaultSources returns a registry holding the built-in git, rss and
// postgres collectors.
func DefaultSources(logger *slog.Logger) *registry.Registry[Collector] {
	sources := registry.New[Collector]()

	for _, c := range []Collector{
		NewGitCollector(nil, logger),
		NewRSSCollector(&http.Client{Timeout: 30 * time.Second}, logger),
		NewPostgresCollector(nil, logger),
	} {
		sources.MustRegister(c.Type(), c, map[string]string{
			"description": c.ConfigSchema().Description,
		})
	}

	return sources
}
