// Copyright 2019-2021 VMware, Inc.
// SPDX-License-Identifier: BSD-2-Clause

package log

import (
	"io"
	"os"
	"path"
	"path/filepath"
	"runtime"

	"github.com/sirupsen/logrus"
)

// Log is the process-wide logger used by every package of the server.
var Log *ConduitLogger

func init() {
	Log = &ConduitLogger{logrus.New()}
}

// LogConfig controls where the server log goes and how it is formatted.
type LogConfig struct {
	OutputLog     string           `json:"output_log" mapstructure:"output_log"`
	Level         string           `json:"level" mapstructure:"level"`
	FormatOptions *LogFormatOption `json:"format_options" mapstructure:"format_options"`
	Root          string           `json:"root" mapstructure:"root"`
}

// LogFormatOption is merely a wrapper of logrus.TextFormatter because TextFormatter does not allow
// serializing its public members of the struct
type LogFormatOption struct {
	// Set to true to bypass checking for a TTY before outputting colors.
	ForceColors bool `json:"force_colors" mapstructure:"force_colors"`

	// Force disabling colors.
	DisableColors bool `json:"disable_colors" mapstructure:"disable_colors"`

	// Force quoting of all values
	ForceQuote bool `json:"force_quote" mapstructure:"force_quote"`

	// Disable timestamp logging. useful when output is redirected to logging
	// system that already adds timestamps.
	DisableTimestamp bool `json:"disable_timestamp" mapstructure:"disable_timestamp"`

	// Enable logging the full timestamp when a TTY is attached instead of just
	// the time passed since beginning of execution.
	FullTimestamp bool `json:"full_timestamp" mapstructure:"full_timestamp"`

	// TimestampFormat to use for display when a full timestamp is printed
	TimestampFormat string `json:"timestamp_format" mapstructure:"timestamp_format"`

	// PadLevelText Adds padding the level text so that all the levels output at the same length
	PadLevelText bool `json:"pad_level_text" mapstructure:"pad_level_text"`

	// JSON switches to logrus.JSONFormatter; the text options above are ignored.
	JSON bool `json:"json" mapstructure:"json"`
}

// Configure applies cfg to Log.
func Configure(cfg *LogConfig) error {
	if cfg == nil {
		return nil
	}

	if cfg.Level != "" {
		level, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return err
		}
		Log.SetLevel(level)
	}

	if cfg.OutputLog != "" {
		out, err := OpenLogTarget(cfg.Root, cfg.OutputLog)
		if err != nil {
			return err
		}
		Log.SetOutput(out)
	}

	if cfg.FormatOptions != nil {
		Log.SetFormatter(CreateFormatterFromFormatOptions(cfg.FormatOptions))
	}
	return nil
}

// CreateFormatterFromFormatOptions returns the logrus formatter described by opts.
func CreateFormatterFromFormatOptions(opts *LogFormatOption) logrus.Formatter {
	if opts.JSON {
		return &logrus.JSONFormatter{
			DisableTimestamp: opts.DisableTimestamp,
			TimestampFormat:  opts.TimestampFormat,
		}
	}
	return &logrus.TextFormatter{
		ForceColors:      opts.ForceColors,
		DisableColors:    opts.DisableColors,
		ForceQuote:       opts.ForceQuote,
		DisableTimestamp: opts.DisableTimestamp,
		FullTimestamp:    opts.FullTimestamp,
		TimestampFormat:  opts.TimestampFormat,
		PadLevelText:     opts.PadLevelText,
	}
}

// OpenLogTarget resolves stdout, stderr, null or a file path (relative to root) to a writer.
func OpenLogTarget(root string, target string) (io.Writer, error) {
	switch target {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	case "null":
		return io.Discard, nil
	}
	if !filepath.IsAbs(target) && root != "" {
		target = filepath.Join(root, target)
	}
	return os.OpenFile(target, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0600)
}

type ConduitLogger struct {
	*logrus.Logger
}

func (l *ConduitLogger) setCommonFields() *logrus.Entry {
	fields := logrus.Fields{}
	if _, file, _, ok := runtime.Caller(2); ok {
		fields["package"] = path.Base(path.Dir(file))
		fields["fileName"] = path.Base(file)
	}
	return l.WithFields(fields)
}

// Fields returns an entry carrying the caller's package and file plus fields.
func (l *ConduitLogger) Fields(fields logrus.Fields) *logrus.Entry {
	return l.setCommonFields().WithFields(fields)
}

func (l *ConduitLogger) Tracef(format string, args ...interface{}) {
	l.setCommonFields().Tracef(format, args...)
}

func (l *ConduitLogger) Debug(args ...interface{}) {
	l.setCommonFields().Debug(args...)
}

func (l *ConduitLogger) Debugf(format string, args ...interface{}) {
	l.setCommonFields().Debugf(format, args...)
}

func (l *ConduitLogger) Info(args ...interface{}) {
	l.setCommonFields().Info(args...)
}

func (l *ConduitLogger) Infof(format string, args ...interface{}) {
	l.setCommonFields().Infof(format, args...)
}

func (l *ConduitLogger) Warn(args ...interface{}) {
	l.setCommonFields().Warn(args...)
}

func (l *ConduitLogger) Warnf(format string, args ...interface{}) {
	l.setCommonFields().Warnf(format, args...)
}

func (l *ConduitLogger) Error(args ...interface{}) {
	l.setCommonFields().Error(args...)
}

func (l *ConduitLogger) Errorf(format string, args ...interface{}) {
	l.setCommonFields().Errorf(format, args...)
}
