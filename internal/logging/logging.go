// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package logging constructs the process logger. The level comes from the
// -log-level flag or JONGODB_LOG_LEVEL; JONGODB_LOG_FORMAT=console selects
// the development encoder.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	levelEnvVar  = "JONGODB_LOG_LEVEL"
	formatEnvVar = "JONGODB_LOG_FORMAT"
)

// ParseLevel maps a level literal to a zap level, defaulting to info.
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug", "trace":
		return zap.DebugLevel
	case "", "info":
		return zap.InfoLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// New builds the logger. An empty level falls back to the environment.
func New(level string) *zap.Logger {
	if level == "" {
		level = os.Getenv(levelEnvVar)
	}

	var cfg zap.Config
	if strings.EqualFold(os.Getenv(formatEnvVar), "console") {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Encoding = "json"
	}
	cfg.Level = zap.NewAtomicLevelAt(ParseLevel(level))
	cfg.DisableStacktrace = true

	log, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log
}
