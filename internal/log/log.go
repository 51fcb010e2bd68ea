// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log provides a single global *zap.SugaredLogger, configured once
// at process startup, so packages deep in the call stack (metrics
// backends, background loops) can log without threading a logger through
// every constructor.
package log

import (
	"sync"

	"go.uber.org/zap"
)

var (
	_mu     sync.RWMutex
	_logger = mustNopLogger()
)

func mustNopLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// ConfigureLogger builds a logger from config, installs it as the global
// logger, and returns it.
func ConfigureLogger(config zap.Config) *zap.SugaredLogger {
	l, err := config.Build()
	if err != nil {
		panic("configure logger: " + err.Error())
	}
	sl := l.Sugar()
	SetGlobalLogger(sl)
	return sl
}

// SetGlobalLogger installs l as the logger used by the package-level
// helpers below.
func SetGlobalLogger(l *zap.SugaredLogger) {
	_mu.Lock()
	defer _mu.Unlock()
	_logger = l
}

func global() *zap.SugaredLogger {
	_mu.RLock()
	defer _mu.RUnlock()
	return _logger
}

// With returns a child logger with the given structured fields attached.
func With(args ...interface{}) *zap.SugaredLogger {
	return global().With(args...)
}

func Debug(args ...interface{})                 { global().Debug(args...) }
func Debugf(template string, args ...interface{}) { global().Debugf(template, args...) }
func Info(args ...interface{})                  { global().Info(args...) }
func Infof(template string, args ...interface{})  { global().Infof(template, args...) }
func Warn(args ...interface{})                  { global().Warn(args...) }
func Warnf(template string, args ...interface{})  { global().Warnf(template, args...) }
func Error(args ...interface{})                 { global().Error(args...) }
func Errorf(template string, args ...interface{}) { global().Errorf(template, args...) }
func Fatal(args ...interface{})                 { global().Fatal(args...) }
func Fatalf(template string, args ...interface{}) { global().Fatalf(template, args...) }
