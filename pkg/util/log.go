// Copyright 2023-2024 daviszhen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package util

import (
	"sync"

	"go.uber.org/zap"
)

var (
	gLogger  *zap.Logger
	gLogOnce sync.Once
)

func logger() *zap.Logger {
	gLogOnce.Do(func() {
		if gLogger == nil {
			cfg := zap.NewDevelopmentConfig()
			cfg.DisableStacktrace = true
			l, err := cfg.Build(zap.AddCallerSkip(1))
			if err != nil {
				l = zap.NewNop()
			}
			gLogger = l
		}
	})
	return gLogger
}

// SetupLogger replaces the package logger. Pass nil to silence logging.
func SetupLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	gLogOnce.Do(func() {})
	gLogger = l
}

func Debug(msg string, fields ...zap.Field) {
	logger().Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	logger().Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	logger().Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	logger().Error(msg, fields...)
}
