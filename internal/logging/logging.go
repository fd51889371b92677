// Package logging configures the gateway's shared logrus logger: a custom
// line formatter that surfaces the request id every handler attaches via
// WithField, and optional lumberjack-backed rotation when a log file is
// configured.
package logging

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var setupOnce sync.Once

// Formatter renders one log line per entry:
//
//	[2026-07-31 12:00:00] [req-abc123] [info ] [gateway.go:120] message key=val
type Formatter struct{}

var fieldOrder = []string{"provider", "model", "status", "retry", "key_index", "error"}

// Format implements logrus.Formatter.
func (f *Formatter) Format(entry *log.Entry) ([]byte, error) {
	buf := &bytes.Buffer{}
	if entry.Buffer != nil {
		buf = entry.Buffer
	}

	ts := entry.Time.Format("2006-01-02 15:04:05")
	msg := strings.TrimRight(entry.Message, "\r\n")

	reqID := "--------"
	if v, ok := entry.Data["request_id"].(string); ok && v != "" {
		reqID = v
	}

	level := entry.Level.String()
	if level == "warning" {
		level = "warn"
	}
	levelStr := fmt.Sprintf("%-5s", level)

	var fields string
	if len(entry.Data) > 0 {
		var parts []string
		for _, k := range fieldOrder {
			if v, ok := entry.Data[k]; ok {
				parts = append(parts, fmt.Sprintf("%s=%v", k, v))
			}
		}
		if len(parts) > 0 {
			fields = " " + strings.Join(parts, " ")
		}
	}

	if entry.Caller != nil {
		fmt.Fprintf(buf, "[%s] [%s] [%s] [%s:%d] %s%s\n", ts, reqID, levelStr, filepath.Base(entry.Caller.File), entry.Caller.Line, msg, fields)
	} else {
		fmt.Fprintf(buf, "[%s] [%s] [%s] %s%s\n", ts, reqID, levelStr, msg, fields)
	}
	return buf.Bytes(), nil
}

// Options configures Setup.
type Options struct {
	// Level is one of logrus's level names ("debug", "info", "warn", ...).
	Level string
	// FilePath, when non-empty, routes logs through lumberjack rotation
	// instead of stdout.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Setup configures the package-level logrus logger. Safe to call more than
// once; only the first call takes effect.
func Setup(opts Options) {
	setupOnce.Do(func() {
		log.SetReportCaller(true)
		log.SetFormatter(&Formatter{})

		level, err := log.ParseLevel(opts.Level)
		if err != nil {
			level = log.InfoLevel
		}
		log.SetLevel(level)

		if opts.FilePath == "" {
			log.SetOutput(os.Stdout)
			return
		}

		if dir := filepath.Dir(opts.FilePath); dir != "." {
			_ = os.MkdirAll(dir, 0o755)
		}
		rotator := &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    firstNonZero(opts.MaxSizeMB, 50),
			MaxBackups: firstNonZero(opts.MaxBackups, 5),
			MaxAge:     firstNonZero(opts.MaxAgeDays, 28),
			Compress:   true,
		}
		log.SetOutput(rotator)
	})
}

func firstNonZero(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
