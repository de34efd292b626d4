package tracking

import (
	"database/sql"
	"errors"
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/redis/go-redis/v9"

	"pixtrack/internal/tracking/conversion"
	"pixtrack/internal/tracking/ledger"
)

// Logger provides minimal logging required by the tracking module.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// TrackingDeps groups external dependencies needed by the tracking module.
type TrackingDeps struct {
	// DB backs the ledger and the conversion audit log. When nil both are
	// kept in memory.
	DB      *sql.DB
	Dialect ledger.Dialect
	RDB     *redis.Client
	Logger  Logger
	// SLog is handed to the outbound HTTP clients.
	SLog       *slog.Logger
	Config     TrackingConfig
	HTTPClient *http.Client

	// Optional overrides; built from Config when nil.
	KafkaWriter conversion.MessageWriter
	S3          s3iface.S3API

	module *moduleState
}

// Validate ensures required dependencies are provided.
func (d *TrackingDeps) Validate() error {
	if d.RDB == nil {
		return errors.New("tracking deps: RDB is required")
	}
	if d.Logger == nil {
		return errors.New("tracking deps: Logger is required")
	}
	if d.DB != nil && d.Dialect == "" {
		d.Dialect = ledger.DialectMySQL
	}
	if d.SLog == nil {
		d.SLog = slog.Default()
	}
	if d.HTTPClient == nil {
		d.HTTPClient = http.DefaultClient
	}
	return nil
}
