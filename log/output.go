// Copyright 2024 The nodemesh Authors
// This file is part of the nodemesh library.
//
// The nodemesh library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The nodemesh library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the nodemesh library. If not, see <http://www.gnu.org/licenses/>.

package log

import (
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"
)

// OutputConfig selects where and how the root logger writes.
type OutputConfig struct {
	Level slog.Level
	JSON  bool

	// File, when set, receives a copy of every record. The file is rotated
	// once it grows beyond MaxSizeMB.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// StderrHandler returns a terminal handler on stderr, colored when stderr is an
// interactive terminal.
func StderrHandler(level slog.Level) slog.Handler {
	var (
		output   io.Writer = os.Stderr
		usecolor           = (isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())) && os.Getenv("TERM") != "dumb"
	)
	if usecolor {
		output = colorable.NewColorableStderr()
	}
	return NewTerminalHandlerWithLevel(output, level, usecolor)
}

// RotatingFileWriter returns a writer appending to path and rotating it by size.
func RotatingFileWriter(path string, maxSizeMB, maxBackups, maxAgeDays int, compress bool) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   compress,
	}
}

// Setup installs a root logger according to cfg. The returned closer flushes
// and closes the log file, if any.
func Setup(cfg OutputConfig) (io.Closer, error) {
	var handler slog.Handler
	if cfg.JSON {
		handler = JSONHandlerWithLevel(os.Stderr, cfg.Level)
	} else {
		handler = StderrHandler(cfg.Level)
	}
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		if cfg.MaxSizeMB == 0 {
			cfg.MaxSizeMB = 100
		}
		file := RotatingFileWriter(cfg.File, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays, cfg.Compress)
		handler = &multiHandler{[]slog.Handler{handler, JSONHandlerWithLevel(file, cfg.Level)}}
		closer = file
	}
	SetDefault(NewLogger(handler))
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
