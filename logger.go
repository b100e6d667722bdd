/*
Copyright 2023 Alexander Bartolomey (github@alexanderbartolomey.de)

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package flowpeer

import (
	"context"
	"sync"

	"github.com/go-logr/logr"
)

// SetLogger fulfills the package logger. Loggers derived from Log before this call,
// e.g. inside tables constructed at startup, write to l from now on.
func SetLogger(l logr.Logger) {
	rootLog.set(l.GetSink())
}

func FromContext(ctx context.Context, keysAndValues ...interface{}) logr.Logger {
	log := Log
	if ctx != nil {
		if logger, err := logr.FromContext(ctx); err == nil {
			log = logger
		}
	}
	return log.WithValues(keysAndValues...)
}

func IntoContext(ctx context.Context, l logr.Logger) context.Context {
	return logr.NewContext(ctx, l)
}

var (
	rootLog = &rootSink{sink: nullLogSink{}}
	Log     = logr.New(delegatingLogSink{root: rootLog})
)

type rootSink struct {
	mu   sync.RWMutex
	sink logr.LogSink
}

func (r *rootSink) set(s logr.LogSink) {
	if s == nil {
		s = nullLogSink{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = s
}

func (r *rootSink) get() logr.LogSink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sink
}

// delegatingLogSink resolves the root sink on every call and replays names and
// values onto it, so that SetLogger also reaches loggers handed out earlier.
type delegatingLogSink struct {
	root   *rootSink
	names  []string
	values []interface{}
	depth  int
}

var (
	_ logr.LogSink          = delegatingLogSink{}
	_ logr.CallDepthLogSink = delegatingLogSink{}
)

func (l delegatingLogSink) resolve() logr.LogSink {
	s := l.root.get()
	for _, n := range l.names {
		s = s.WithName(n)
	}
	if len(l.values) > 0 {
		s = s.WithValues(l.values...)
	}
	// +1 for Info and Error of this sink
	if cd, ok := s.(logr.CallDepthLogSink); ok {
		s = cd.WithCallDepth(l.depth + 1)
	}
	return s
}

// Init is a no-op, the root sink was initialized by the logr.Logger passed to SetLogger.
func (l delegatingLogSink) Init(logr.RuntimeInfo) {}

func (l delegatingLogSink) Enabled(level int) bool {
	return l.root.get().Enabled(level)
}

func (l delegatingLogSink) Info(level int, msg string, keysAndValues ...interface{}) {
	l.resolve().Info(level, msg, keysAndValues...)
}

func (l delegatingLogSink) Error(err error, msg string, keysAndValues ...interface{}) {
	l.resolve().Error(err, msg, keysAndValues...)
}

func (l delegatingLogSink) WithName(name string) logr.LogSink {
	names := make([]string, 0, len(l.names)+1)
	names = append(names, l.names...)
	return delegatingLogSink{root: l.root, names: append(names, name), values: l.values, depth: l.depth}
}

func (l delegatingLogSink) WithValues(tags ...interface{}) logr.LogSink {
	values := make([]interface{}, 0, len(l.values)+len(tags))
	values = append(values, l.values...)
	return delegatingLogSink{root: l.root, names: l.names, values: append(values, tags...), depth: l.depth}
}

func (l delegatingLogSink) WithCallDepth(depth int) logr.LogSink {
	l.depth += depth
	return l
}

type nullLogSink struct{}

var _ logr.LogSink = nullLogSink{}

func (nullLogSink) Init(logr.RuntimeInfo) {}

func (nullLogSink) Info(_ int, _ string, _ ...interface{}) {}

func (nullLogSink) Error(_ error, _ string, _ ...interface{}) {}

func (nullLogSink) Enabled(_ int) bool {
	return false
}

func (log nullLogSink) WithName(_ string) logr.LogSink {
	return log
}

func (log nullLogSink) WithValues(_ ...interface{}) logr.LogSink {
	return log
}
