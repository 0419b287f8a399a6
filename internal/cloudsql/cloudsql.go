// Package cloudsql resolves the run history connection string for both a
// plain PostgreSQL URL and a Google Cloud SQL instance mounted on Cloud Run.
package cloudsql

import (
	"fmt"
	"strings"

	"github.com/STRATINT/digest/internal/config"
)

// BuildDatabaseURL returns the lib/pq connection string for cfg.
//
// A URL wins when set. Otherwise the Cloud SQL instance is reached through
// the unix socket Cloud Run mounts at /cloudsql/<instance>; an empty
// password selects IAM authentication.
func BuildDatabaseURL(cfg config.DatabaseConfig) (string, error) {
	if cfg.URL != "" {
		return cfg.URL, nil
	}

	if cfg.Instance == "" {
		return "", fmt.Errorf("neither DIGEST_DATABASE_URL nor INSTANCE_CONNECTION_NAME is set")
	}
	if cfg.User == "" || cfg.Name == "" {
		return "", fmt.Errorf("DB_USER and DB_NAME must be set when using INSTANCE_CONNECTION_NAME")
	}

	parts := []string{
		"host=" + socketPath(cfg.Instance),
		"user=" + cfg.User,
	}
	if cfg.Password != "" {
		parts = append(parts, "password="+cfg.Password)
	}
	parts = append(parts, "dbname="+cfg.Name, "sslmode=disable")
	return strings.Join(parts, " "), nil
}

// ConnectionInfo describes the configured connection for logging. Passwords
// are never included.
func ConnectionInfo(cfg config.DatabaseConfig) map[string]string {
	switch {
	case cfg.URL != "":
		return map[string]string{
			"connection_type": "direct",
			"database_url":    RedactPassword(cfg.URL),
		}
	case cfg.Instance != "":
		return map[string]string{
			"connection_type": "cloud_sql",
			"instance":        cfg.Instance,
			"user":            cfg.User,
			"database":        cfg.Name,
			"socket_path":     socketPath(cfg.Instance),
		}
	default:
		return map[string]string{"connection_type": "memory"}
	}
}

// RedactPassword masks the password of a postgres:// URL.
func RedactPassword(connStr string) string {
	if !strings.HasPrefix(connStr, "postgresql://") && !strings.HasPrefix(connStr, "postgres://") {
		return connStr
	}
	scheme, rest, _ := strings.Cut(connStr, "://")
	userinfo, host, ok := strings.Cut(rest, "@")
	if !ok {
		return connStr
	}
	user, _, hasPassword := strings.Cut(userinfo, ":")
	if !hasPassword {
		return connStr
	}
	return scheme + "://" + user + ":***@" + host
}

func socketPath(instance string) string {
	return "/cloudsql/" + instance
}
