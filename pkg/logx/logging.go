package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// Config selects level and sinks. When no sink is enabled the console is
// used anyway; a daemon that logs nowhere is a misconfiguration, not a mode.
type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

var levels = map[string]zerolog.Level{
	"TRACE":   zerolog.TraceLevel,
	"DEBUG":   zerolog.DebugLevel,
	"INFO":    zerolog.InfoLevel,
	"WARN":    zerolog.WarnLevel,
	"WARNING": zerolog.WarnLevel,
	"ERROR":   zerolog.ErrorLevel,
}

func level(s string) zerolog.Level {
	if lvl, ok := levels[strings.ToUpper(strings.TrimSpace(s))]; ok {
		return lvl
	}
	return zerolog.InfoLevel
}

// Logger is a thin structured logger over zerolog.
//
// Loggers handed out by a Service stay live across Apply calls: the sinks
// and level they write through are whatever the Service currently holds.
// The zero value is a safe no-op.
type Logger struct {
	svc    *Service
	static zerolog.Logger
	bound  bool

	fields []Field
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return Logger{static: zerolog.Nop(), bound: true}
}

// NewConsole returns a standalone console logger, detached from any Service.
// Meant for bootstrap output before the log service exists.
func NewConsole(lvl string) Logger {
	zerolog.TimeFieldFormat = timeFormat
	zerolog.ErrorFieldName = "err"
	zl := zerolog.New(consoleWriter()).Level(level(lvl)).With().Timestamp().Logger()
	return Logger{static: zl, bound: true}
}

func (l Logger) IsZero() bool { return l.svc == nil && !l.bound && len(l.fields) == 0 }

// With returns a derived logger carrying extra fixed fields.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	cp := l
	cp.fields = append(append([]Field(nil), l.fields...), fields...)
	return cp
}

func (l Logger) Debug(msg string, fields ...Field) { l.emit(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(zerolog.ErrorLevel, msg, fields) }

func (l Logger) emit(lvl zerolog.Level, msg string, fields []Field) {
	var zl zerolog.Logger
	switch {
	case l.svc != nil:
		zl = l.svc.root()
	case l.bound:
		zl = l.static
	default:
		return
	}

	e := zl.WithLevel(lvl)
	if e == nil {
		return
	}
	// file:line only; full function names are noise at this call depth.
	if _, file, line, ok := runtime.Caller(2); ok && file != "" {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, f := range l.fields {
		if f != nil {
			f(e)
		}
	}
	for _, f := range fields {
		if f != nil {
			f(e)
		}
	}
	e.Msg(msg)
}

// Service owns the active sinks and swaps them atomically on Apply, so
// every Logger it produced picks up config changes without re-plumbing.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	file *os.File

	active atomic.Value // zerolog.Logger
}

// New builds the service, applies cfg, and returns it with a root Logger.
func New(cfg Config) (*Service, Logger) {
	zerolog.TimeFieldFormat = timeFormat
	zerolog.ErrorFieldName = "err"

	s := &Service{}
	s.active.Store(zerolog.New(consoleWriter()).Level(level(cfg.Level)).With().Timestamp().Logger())
	s.Apply(cfg)
	return s, Logger{svc: s}
}

// Logger returns another live root logger.
func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) root() zerolog.Logger {
	if zl, ok := s.active.Load().(zerolog.Logger); ok {
		return zl
	}
	return zerolog.Nop()
}

// Apply rebuilds the sink set from cfg. Safe to call concurrently with
// logging; writers already in flight finish against the old sinks.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleWriter())
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./medalarmd.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open log file %q: %v\n", path, err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter())
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).Level(level(cfg.Level)).With().Timestamp().Logger()
	s.active.Store(zl)
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f != nil {
		_ = f.Close()
	}
	return nil
}

func consoleWriter() io.Writer {
	return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: timeFormat}
}
