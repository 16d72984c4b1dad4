package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate checks the configuration against its struct tags plus a
// few cross-field rules the tags cannot express.
func Validate(cfg *Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return err
	}

	switch cfg.Storage.Backend {
	case "badger":
		if cfg.Storage.Badger.Path == "" && !cfg.Storage.Badger.InMemory {
			return fmt.Errorf("storage.badger.path is required for the badger backend")
		}
	case "s3":
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
		}
	case "postgres":
		if cfg.Storage.Postgres.URL == "" {
			return fmt.Errorf("storage.postgres.url is required for the postgres backend")
		}
	}

	if cfg.Storage.CompressionEnabled && cfg.Storage.CompressionThreshold <= 0 {
		return fmt.Errorf("storage.compression_threshold must be positive when compression is enabled")
	}
	if cfg.Snapshot.DeltaEnabled && cfg.Snapshot.DeltaThreshold <= 0 {
		return fmt.Errorf("snapshot.delta_threshold must be positive when deltas are enabled")
	}
	return nil
}
