package logger

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// Level represents the severity level of a log message.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	NoticeLevel
	ErrorLevel
)

// ParseLevel converts a textual level into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return DebugLevel, nil
	case "info":
		return InfoLevel, nil
	case "notice":
		return NoticeLevel, nil
	case "error":
		return ErrorLevel, nil
	}
	return InfoLevel, fmt.Errorf("unknown log level: %s", s)
}

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case NoticeLevel:
		return "notice"
	case ErrorLevel:
		return "error"
	}
	return "unknown"
}

// Chain identifies a network for prefixing log lines.
type Chain int

const (
	None Chain = iota
	Sepolia
	Holesky
	Sei
	Bsc
	Corn
)

var chainIDMap = map[int]Chain{
	11155111: Sepolia,
	17000:    Holesky,
	1328:     Sei,
	97:       Bsc,
	21000001: Corn,
}

var chainPrefixes = map[Chain]string{
	None:    "",
	Sepolia: "[SEPOLIA] ",
	Holesky: "[HOLESKY] ",
	Sei:     "[SEI]     ",
	Bsc:     "[BSC]     ",
	Corn:    "[CORN]    ",
}

var colors = map[Chain]color.Attribute{
	None:    color.FgWhite,
	Sepolia: color.FgHiBlue,
	Holesky: color.FgHiGreen,
	Sei:     color.FgRed,
	Bsc:     color.FgYellow,
	Corn:    color.FgMagenta,
}

// chainPrefix returns the padded prefix for a chain id, falling back to the
// numeric id for networks without a dedicated entry.
func chainPrefix(chainID int) (string, Chain) {
	chain, ok := chainIDMap[chainID]
	if !ok {
		if chainID == 0 {
			return "", None
		}
		return fmt.Sprintf("[%d] ", chainID), None
	}
	return chainPrefixes[chain], chain
}

// Logger is a simple interface for logging messages.
type Logger interface {
	// Info logs an informational message.
	Info(format string, args ...interface{})
	InfoWithChain(chainID int, format string, args ...interface{})

	// Error logs an error message.
	Error(format string, args ...interface{})
	ErrorWithChain(chainID int, format string, args ...interface{})

	// Debug logs a debug message.
	Debug(format string, args ...interface{})
	DebugWithChain(chainID int, format string, args ...interface{})

	// Notice logs a notice message.
	Notice(format string, args ...interface{})
	NoticeWithChain(chainID int, format string, args ...interface{})
}

// EmptyLogger is a simple implementation of the Logger interface that does nothing.
type EmptyLogger struct{}

var _ Logger = (*EmptyLogger)(nil)

func (l *EmptyLogger) Info(_ string, _ ...interface{})                   {}
func (l *EmptyLogger) InfoWithChain(_ int, _ string, _ ...interface{})   {}
func (l *EmptyLogger) Error(_ string, _ ...interface{})                  {}
func (l *EmptyLogger) ErrorWithChain(_ int, _ string, _ ...interface{})  {}
func (l *EmptyLogger) Debug(_ string, _ ...interface{})                  {}
func (l *EmptyLogger) DebugWithChain(_ int, _ string, _ ...interface{})  {}
func (l *EmptyLogger) Notice(_ string, _ ...interface{})                 {}
func (l *EmptyLogger) NoticeWithChain(_ int, _ string, _ ...interface{}) {}

// StdLogger writes level and chain prefixed lines through the standard log package.
type StdLogger struct {
	enableColoring bool
	level          Level
	label          string
	mu             sync.Mutex
}

var _ Logger = (*StdLogger)(nil)

func NewStdLogger(enableColoring bool, level Level) *StdLogger {
	return &StdLogger{
		enableColoring: enableColoring,
		level:          level,
	}
}

// WithLabel returns a logger that tags every line with a wallet label.
func (l *StdLogger) WithLabel(label string) *StdLogger {
	return &StdLogger{
		enableColoring: l.enableColoring,
		level:          l.level,
		label:          label,
	}
}

func (l *StdLogger) formatMessage(level Level, chainID int, format string) string {
	prefix, chain := chainPrefix(chainID)
	if l.enableColoring && prefix != "" {
		prefix = color.New(colors[chain]).Sprint(prefix)
	}

	var levelStr string
	switch level {
	case DebugLevel:
		levelStr = "[DEBUG]  "
	case InfoLevel:
		levelStr = "[INFO]   "
	case NoticeLevel:
		levelStr = "[NOTICE] "
	case ErrorLevel:
		levelStr = "[ERROR]  "
	}

	if l.label != "" {
		prefix += l.label + " | "
	}
	return levelStr + prefix + format
}

func (l *StdLogger) logf(level Level, chainID int, format string, args ...interface{}) {
	if level < l.level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	log.Printf(l.formatMessage(level, chainID, format), args...)
}

func (l *StdLogger) Info(format string, args ...interface{}) {
	l.logf(InfoLevel, 0, format, args...)
}

func (l *StdLogger) InfoWithChain(chainID int, format string, args ...interface{}) {
	l.logf(InfoLevel, chainID, format, args...)
}

func (l *StdLogger) Error(format string, args ...interface{}) {
	l.logf(ErrorLevel, 0, format, args...)
}

func (l *StdLogger) ErrorWithChain(chainID int, format string, args ...interface{}) {
	l.logf(ErrorLevel, chainID, format, args...)
}

func (l *StdLogger) Debug(format string, args ...interface{}) {
	l.logf(DebugLevel, 0, format, args...)
}

func (l *StdLogger) DebugWithChain(chainID int, format string, args ...interface{}) {
	l.logf(DebugLevel, chainID, format, args...)
}

func (l *StdLogger) Notice(format string, args ...interface{}) {
	l.logf(NoticeLevel, 0, format, args...)
}

func (l *StdLogger) NoticeWithChain(chainID int, format string, args ...interface{}) {
	l.logf(NoticeLevel, chainID, format, args...)
}
