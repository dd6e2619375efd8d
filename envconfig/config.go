// Copyright (c) 2024-2025 Lux Partners Limited
// SPDX-License-Identifier: BSD-3-Clause

// Package envconfig reads scheduler settings from AUTOSCHED_* environment
// variables. Invalid values are logged and replaced by their defaults.
package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Defaults match the scheduler's built-in options.
const (
	DefaultTileWidth      = 16
	DefaultTileHeight     = 16
	DefaultGPUTileChannel = 4
)

var (
	// GPU schedules for device execution. AUTOSCHED_GPU
	GPU = Bool("AUTOSCHED_GPU")
	// CPUTileWidth is the host tile width. AUTOSCHED_CPU_TILE_WIDTH
	CPUTileWidth = Int("AUTOSCHED_CPU_TILE_WIDTH", DefaultTileWidth)
	// CPUTileHeight is the host tile height. AUTOSCHED_CPU_TILE_HEIGHT
	CPUTileHeight = Int("AUTOSCHED_CPU_TILE_HEIGHT", DefaultTileHeight)
	// GPUTileWidth is the device tile width. AUTOSCHED_GPU_TILE_WIDTH
	GPUTileWidth = Int("AUTOSCHED_GPU_TILE_WIDTH", DefaultTileWidth)
	// GPUTileHeight is the device tile height. AUTOSCHED_GPU_TILE_HEIGHT
	GPUTileHeight = Int("AUTOSCHED_GPU_TILE_HEIGHT", DefaultTileHeight)
	// GPUTileChannel is the device tile depth of fused channel axes. AUTOSCHED_GPU_TILE_CHANNEL
	GPUTileChannel = Int("AUTOSCHED_GPU_TILE_CHANNEL", DefaultGPUTileChannel)
	// UnrollRVarSize unrolls reduction variables up to this extent. AUTOSCHED_UNROLL_RVAR_SIZE
	UnrollRVarSize = Int("AUTOSCHED_UNROLL_RVAR_SIZE", 0)
)

// LogLevel returns the log level from AUTOSCHED_DEBUG.
// 0/false = INFO (default), 1/true = DEBUG, 2 = TRACE.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("AUTOSCHED_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// Bool returns a getter for a boolean variable, false when unset. Any
// unparsable non-empty value counts as true.
func Bool(k string) func() bool {
	return func() bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return false
	}
}

// Int returns a getter for a positive or zero integer variable.
func Int(key string, defaultValue int) func() int {
	return func() int {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseInt(s, 10, 32); err != nil || n < 0 {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return int(n)
			}
		}
		return defaultValue
	}
}

// EnvVar describes one variable.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns every variable with its current value.
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"AUTOSCHED_DEBUG":            {"AUTOSCHED_DEBUG", LogLevel(), "Show additional debug information (e.g. AUTOSCHED_DEBUG=1, 2 for traces)"},
		"AUTOSCHED_GPU":              {"AUTOSCHED_GPU", GPU(), "Schedule for GPU execution"},
		"AUTOSCHED_CPU_TILE_WIDTH":   {"AUTOSCHED_CPU_TILE_WIDTH", CPUTileWidth(), "Host tile width (default 16)"},
		"AUTOSCHED_CPU_TILE_HEIGHT":  {"AUTOSCHED_CPU_TILE_HEIGHT", CPUTileHeight(), "Host tile height (default 16)"},
		"AUTOSCHED_GPU_TILE_WIDTH":   {"AUTOSCHED_GPU_TILE_WIDTH", GPUTileWidth(), "Device tile width (default 16)"},
		"AUTOSCHED_GPU_TILE_HEIGHT":  {"AUTOSCHED_GPU_TILE_HEIGHT", GPUTileHeight(), "Device tile height (default 16)"},
		"AUTOSCHED_GPU_TILE_CHANNEL": {"AUTOSCHED_GPU_TILE_CHANNEL", GPUTileChannel(), "Device tile depth of fused channel axes (default 4)"},
		"AUTOSCHED_UNROLL_RVAR_SIZE": {"AUTOSCHED_UNROLL_RVAR_SIZE", UnrollRVarSize(), "Unroll reduction variables up to this extent (default 0)"},
	}
}

// Values returns every variable formatted as a string.
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Var returns an environment variable stripped of whitespace and quotes.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
