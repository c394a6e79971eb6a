package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// WithWorker adds worker address context to the logger.
func (l *Logger) WithWorker(ip string, port int) *Logger {
	return &Logger{
		logger: l.logger.With().Str("worker_ip", ip).Int("worker_port", port).Logger(),
	}
}

// WithSequence adds the message sequence number to the logger.
func (l *Logger) WithSequence(sequence uint32) *Logger {
	return &Logger{
		logger: l.logger.With().Uint32("sequence", sequence).Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// WorkerRegistered logs a worker's first heartbeat.
func (l *Logger) WorkerRegistered(ip string, port int) {
	l.logger.Info().
		Str("worker_ip", ip).
		Int("worker_port", port).
		Msg("worker registered")
}

// WorkerPruned logs a worker being dropped from the registry for missing
// its heartbeat deadline.
func (l *Logger) WorkerPruned(ip string, port int, since time.Duration) {
	l.logger.Warn().
		Str("worker_ip", ip).
		Int("worker_port", port).
		Float64("seconds_since_heartbeat", since.Seconds()).
		Msg("worker pruned as stale")
}

// TaskDispatched logs a task being handed to a worker.
func (l *Logger) TaskDispatched(sequence uint32, ip string, port int, payloadSize int) {
	l.logger.Info().
		Uint32("sequence", sequence).
		Str("worker_ip", ip).
		Int("worker_port", port).
		Int("payload_size", payloadSize).
		Msg("task dispatched")
}

// TaskCompleted logs a RESULT or ERROR closing out a pending request.
func (l *Logger) TaskCompleted(sequence uint32, latency time.Duration, success bool) {
	l.logger.Info().
		Uint32("sequence", sequence).
		Float64("latency_ms", float64(latency.Microseconds())/1000.0).
		Bool("success", success).
		Msg("task completed")
}

// RequestExpired logs a pending request dropped for exceeding its TTL.
func (l *Logger) RequestExpired(sequence uint32, ip string, port int) {
	l.logger.Warn().
		Uint32("sequence", sequence).
		Str("worker_ip", ip).
		Int("worker_port", port).
		Msg("pending request expired")
}

// RequestRejected logs a task rejected at admission control.
func (l *Logger) RequestRejected(sequence uint32, reason string) {
	l.logger.Warn().
		Uint32("sequence", sequence).
		Str("reason", reason).
		Msg("task rejected")
}

// ChunkChecksumFailed logs a reassembled payload failing its checksum.
func (l *Logger) ChunkChecksumFailed(sequence uint32, totalChunks int) {
	l.logger.Error().
		Uint32("sequence", sequence).
		Int("total_chunks", totalChunks).
		Msg("chunk reassembly checksum mismatch")
}

// ChunkSweepStale logs how many partial reassemblies were discarded as
// abandoned during a maintenance sweep.
func (l *Logger) ChunkSweepStale(count int) {
	if count == 0 {
		return
	}
	l.logger.Warn().
		Int("count", count).
		Msg("discarded stale chunk reassemblies")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
