package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger

	// jsonOutput mirrors the format chosen by the last Init
	jsonOutput bool
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger
func Init(cfg Config) {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	// Configure output
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	jsonOutput = cfg.JSONOutput
	Logger = zerolog.New(newWriter(output, cfg.JSONOutput)).With().Timestamp().Logger()
}

// InitFile points the global logger at an append-only log file.
// The returned file must be closed by the caller on exit.
func InitFile(cfg Config, path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	cfg.Output = f
	Init(cfg)
	return f, nil
}

func parseLevel(l Level) zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case InfoLevel:
		return zerolog.InfoLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// newWriter wraps output in the console format unless JSON was asked for
func newWriter(output io.Writer, jsonOutput bool) io.Writer {
	if jsonOutput {
		return output
	}
	return zerolog.ConsoleWriter{
		Out:        output,
		TimeFormat: time.RFC3339,
		NoColor:    true,
	}
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithPort creates a child logger with the worker's control-plane port
func WithPort(port int) zerolog.Logger {
	return Logger.With().Int("port", port).Logger()
}

// JobLogger writes to both a parent logger's destination and a per-job log file
type JobLogger struct {
	zerolog.Logger
	file *os.File
}

// NewJobLogger opens path and returns a logger that tees every event into it.
// parentOut is the writer the parent logger writes to (typically the worker log);
// events reach it in the same format as the global logger. The job file is JSON.
func NewJobLogger(parentOut io.Writer, path string, jobID string) (*JobLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create job log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open job log: %w", err)
	}
	if parentOut == nil {
		parentOut = io.Discard
	}
	w := zerolog.MultiLevelWriter(newWriter(parentOut, jsonOutput), f)
	l := zerolog.New(w).With().Timestamp().Str("job_id", jobID).Logger()
	return &JobLogger{Logger: l, file: f}, nil
}

// File returns the underlying job log file
func (j *JobLogger) File() *os.File {
	return j.file
}

// Close closes the job log file
func (j *JobLogger) Close() error {
	return j.file.Close()
}
