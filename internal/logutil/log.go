// Copyright 2021 TiKV Authors
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

// Package logutil exposes the coordinator's background and request-scoped
// loggers, built on pingcap/log (zap underneath).
package logutil

import (
	"context"
	"sync/atomic"
	"unsafe"

	"github.com/opentracing/opentracing-go"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

var globalLogger unsafe.Pointer

func init() {
	l, _, _ := log.InitLogger(&log.Config{Level: "info", Format: "text"})
	atomic.StorePointer(&globalLogger, unsafe.Pointer(l))
}

// BgLogger returns the background logger, for code with no request
// context (background reload loops, deferred cleanup).
func BgLogger() *zap.Logger {
	return (*zap.Logger)(atomic.LoadPointer(&globalLogger))
}

// SetLogger replaces the background logger, e.g. so a host application can
// route coordinator logs into its own sink.
func SetLogger(l *zap.Logger) {
	atomic.StorePointer(&globalLogger, unsafe.Pointer(l))
}

// Logger returns a logger enriched with the tracing span found on ctx, if
// any, matching the teacher's request-scoped logging convention.
func Logger(ctx context.Context) *zap.Logger {
	if span := opentracing.SpanFromContext(ctx); span != nil {
		if sc, ok := span.Context().(interface{ TraceID() string }); ok {
			return BgLogger().With(zap.String("traceID", sc.TraceID()))
		}
	}
	return BgLogger()
}
