// Package config loads the backend driver's environment-variable
// configuration into a single explicit struct rather than a process-wide
// variables map.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
)

// Config holds process-wide knobs read once at startup.
type Config struct {
	// BaseDir is the VM's working directory (qmp.sock, qemu.pid, etc).
	BaseDir string

	// QemuBinary overrides the qemu-system-* binary lookup.
	QemuBinary string

	// MaxMigrationTime bounds save_snapshot's outgoing migration
	// (QEMU_MAX_MIGRATION_TIME, default 240s).
	MaxMigrationTime time.Duration

	// IncomingMigrationTimeout bounds load_snapshot's wait to leave the
	// migrate* status.
	IncomingMigrationTimeout time.Duration

	// NonFatalDBusCall makes netalloc dbus failures non-fatal: a failed
	// call is ignored instead of aborting start_vm. It is not retried.
	NonFatalDBusCall bool

	// GracefulStopTimeout/ForceStopTimeout bound the supervisor's
	// escalating shutdown sequence.
	GracefulStopTimeout time.Duration
	ForceStopTimeout    time.Duration

	// BalloonTarget is the memory balloon inflate target before a
	// save_snapshot; zero disables ballooning.
	BalloonTarget datasize.ByteSize

	// OTelEndpoint/OTelEnabled configure lib/otel.
	OTelEndpoint string
	OTelEnabled  bool
}

// Load reads configuration from the environment, loading a .env file
// first if present (silently skipped when absent).
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		BaseDir:                  getEnv("QEMU_BASE_DIR", "."),
		QemuBinary:               getEnv("QEMU_BINARY", ""),
		MaxMigrationTime:         getEnvSeconds("QEMU_MAX_MIGRATION_TIME", 240*time.Second),
		IncomingMigrationTimeout: getEnvSeconds("QEMU_INCOMING_MIGRATION_TIMEOUT", 300*time.Second),
		NonFatalDBusCall:         getEnvBool("QEMU_NON_FATAL_DBUS_CALL", false),
		GracefulStopTimeout:      getEnvSeconds("QEMU_GRACEFUL_STOP_TIMEOUT", 30*time.Second),
		ForceStopTimeout:         getEnvSeconds("QEMU_FORCE_STOP_TIMEOUT", 10*time.Second),
		BalloonTarget:            getEnvSize("QEMU_BALLOON_TARGET", 0),
		OTelEndpoint:             getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTelEnabled:              getEnvBool("OTEL_ENABLED", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

func getEnvSize(key string, defaultValue datasize.ByteSize) datasize.ByteSize {
	if value := os.Getenv(key); value != "" {
		var size datasize.ByteSize
		if err := size.UnmarshalText([]byte(value)); err == nil {
			return size
		}
	}
	return defaultValue
}
