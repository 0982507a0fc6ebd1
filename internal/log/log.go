// The MIT License
//
// Copyright (c) 2024 Functionless Corp.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// Package log is the engine's logging interface: a small Logger backed
// by zap so call sites depend on neither zap nor a concrete sink.
package log

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/functionless/eventual/internal/log/tag"
)

// Logger is the logging interface used throughout the engine.
type Logger interface {
	Debug(msg string, tags ...tag.Tag)
	Info(msg string, tags ...tag.Tag)
	Warn(msg string, tags ...tag.Tag)
	Error(msg string, tags ...tag.Tag)
	With(tags ...tag.Tag) Logger
}

type zapLogger struct {
	zl *zap.Logger
}

var _ Logger = (*zapLogger)(nil)

// NewZapLogger wraps an already-configured zap.Logger.
func NewZapLogger(zl *zap.Logger) Logger {
	return &zapLogger{zl: zl}
}

// NewTestLogger returns a development logger writing to stderr at debug
// level, for use in tests and local runs.
func NewTestLogger() Logger {
	return NewZapLogger(buildZapLogger("debug"))
}

// NewProductionLogger returns a JSON logger at the given level.
func NewProductionLogger(level string) Logger {
	return NewZapLogger(buildZapLogger(level))
}

func buildZapLogger(level string) *zap.Logger {
	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(parseLevel(level)),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
		},
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	zl, err := cfg.Build()
	if err != nil {
		zl = zap.NewNop()
		os.Stderr.WriteString("log: failed to build zap logger: " + err.Error() + "\n")
	}
	return zl
}

func parseLevel(level string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel
	}
	return l
}

func (l *zapLogger) fields(tags []tag.Tag) []zap.Field {
	fields := make([]zap.Field, len(tags))
	for i, t := range tags {
		fields[i] = t.Field
	}
	return fields
}

func (l *zapLogger) Debug(msg string, tags ...tag.Tag) { l.zl.Debug(msg, l.fields(tags)...) }
func (l *zapLogger) Info(msg string, tags ...tag.Tag)  { l.zl.Info(msg, l.fields(tags)...) }
func (l *zapLogger) Warn(msg string, tags ...tag.Tag)  { l.zl.Warn(msg, l.fields(tags)...) }
func (l *zapLogger) Error(msg string, tags ...tag.Tag) { l.zl.Error(msg, l.fields(tags)...) }

func (l *zapLogger) With(tags ...tag.Tag) Logger {
	return &zapLogger{zl: l.zl.With(l.fields(tags)...)}
}
