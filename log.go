// Copyright 2022 Amazon.com, Inc. or its affiliates. All Rights Reserved.
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

package microbatch

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

type LogLevel int

const (
	LogLevelNone LogLevel = iota
	LogLevelTrace
	LogLevelDebug
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

var logLevelNames = map[LogLevel]string{
	LogLevelNone:  "NONE",
	LogLevelTrace: "TRACE",
	LogLevelDebug: "DEBUG",
	LogLevelInfo:  "INFO",
	LogLevelWarn:  "WARN",
	LogLevelError: "ERROR",
}

func (l LogLevel) String() string {
	if name, ok := logLevelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LogLevel(%d)", int(l))
}

// ParseLogLevel converts a case-insensitive level name ("debug", "WARN"...) into a LogLevel.
func ParseLogLevel(s string) (LogLevel, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for level, n := range logLevelNames {
		if n == name {
			return level, nil
		}
	}
	return LogLevelNone, fmt.Errorf("unknown log level: %q", s)
}

// Translate to LogLevel to kgo.LogLevel
func toKgoLoglevel(level LogLevel) kgo.LogLevel {
	switch level {
	// kgo does not define Trace, let's just say Trace == Debug
	case LogLevelTrace, LogLevelDebug:
		return kgo.LogLevelDebug
	case LogLevelInfo:
		return kgo.LogLevelInfo
	case LogLevelWarn:
		return kgo.LogLevelWarn
	case LogLevelError:
		return kgo.LogLevelError
	}
	return kgo.LogLevelNone
}

/*
Provides the interface needed to intergrate with your logging mechanism. Example:

	 import (
		"mylogger"
		"github.com/aws/go-kafka-microbatch/microbatch"
	 )

	 func main() {
		// the consumer will emit logs at whatever level is defined by NewLogger()
		// kgo will emit logs at LogLevelError
		microbatch.InitLogger(mylogger.NewLogger(), microbatch.LogLevelError)
	 }
*/
type Logger interface {
	Tracef(msg string, args ...any)
	Debugf(msg string, args ...any)
	Infof(msg string, args ...any)
	Warnf(msg string, args ...any)
	Errorf(msg string, args ...any)
}

// SimpleLogger implements Logger and writes to STDOUT. Good for development purposes.
type SimpleLogger LogLevel

type lazyTimeStampStringer struct{}

func (lazyTimeStampStringer) String() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

var lazyTimeStamp = lazyTimeStampStringer{}

func enabled(threshold, level LogLevel) bool {
	return threshold != LogLevelNone && level >= threshold
}

func (sl SimpleLogger) emit(level LogLevel, msg string, args []any) {
	if enabled(LogLevel(sl), level) {
		fmt.Println(lazyTimeStamp, "["+level.String()+"] -", fmt.Sprintf(msg, args...))
	}
}

func (sl SimpleLogger) Tracef(msg string, args ...any) { sl.emit(LogLevelTrace, msg, args) }
func (sl SimpleLogger) Debugf(msg string, args ...any) { sl.emit(LogLevelDebug, msg, args) }
func (sl SimpleLogger) Infof(msg string, args ...any)  { sl.emit(LogLevelInfo, msg, args) }
func (sl SimpleLogger) Warnf(msg string, args ...any)  { sl.emit(LogLevelWarn, msg, args) }
func (sl SimpleLogger) Errorf(msg string, args ...any) { sl.emit(LogLevelError, msg, args) }

// logWrapper allows you to utilize your own logger, but with a specific logging level for this package.
type logWrapper struct {
	level  LogLevel
	logger Logger
}

/*
WrapLogger allows the consumer to emit logs at a higher level than your own Logger.
Useful if you need debug level logging for your own application, but don't want to clutter your logs with consumer output.
Example:

	 func main() {
		// your application will emit logs at "Debug"
		// the consumer will emit logs at LogLevelError
		// kgo will emit logs at LogLevelNone
		mbLogger := microbatch.WrapLogger(mylogger.NewLogger("Debug"), microbatch.LogLevelError)
		microbatch.InitLogger(mbLogger, microbatch.LogLevelNone)
	 }
*/
func WrapLogger(logger Logger, level LogLevel) Logger {
	return logWrapper{
		level:  level,
		logger: logger,
	}
}

func (lw logWrapper) Tracef(msg string, args ...any) {
	if enabled(lw.level, LogLevelTrace) {
		lw.logger.Tracef(msg, args...)
	}
}

func (lw logWrapper) Debugf(msg string, args ...any) {
	if enabled(lw.level, LogLevelDebug) {
		lw.logger.Debugf(msg, args...)
	}
}

func (lw logWrapper) Infof(msg string, args ...any) {
	if enabled(lw.level, LogLevelInfo) {
		lw.logger.Infof(msg, args...)
	}
}

func (lw logWrapper) Warnf(msg string, args ...any) {
	if enabled(lw.level, LogLevelWarn) {
		lw.logger.Warnf(msg, args...)
	}
}

func (lw logWrapper) Errorf(msg string, args ...any) {
	if enabled(lw.level, LogLevelError) {
		lw.logger.Errorf(msg, args...)
	}
}

var log Logger = SimpleLogger(LogLevelError)
var kgoLogger kgo.Logger = kgoLogWrapper(kgo.LogLevelError)

type kgoLogWrapper kgo.LogLevel

func (klw kgoLogWrapper) Level() kgo.LogLevel {
	return kgo.LogLevel(klw)
}

// kgo hands us key/value pairs rather than format args
func (klw kgoLogWrapper) Log(level kgo.LogLevel, msg string, keyvals ...interface{}) {
	line := msg
	if len(keyvals) > 0 {
		line = fmt.Sprintf("%s %v", msg, keyvals)
	}
	switch level {
	case kgo.LogLevelDebug:
		log.Debugf("%s", line)
	case kgo.LogLevelInfo:
		log.Infof("%s", line)
	case kgo.LogLevelWarn:
		log.Warnf("%s", line)
	case kgo.LogLevelError:
		log.Errorf("%s", line)
	}
}

var oneLogger = sync.Once{}

/*
Initializes the package logger. `kafkaDriverLogLevel` defines the log level for the underlying kgo clients.
This call should be the first interaction with the module. Subsequent calls will have no effect.
If never called, the default unitialized logger writes to STDOUT at LogLevelError for both this package and kgo. Example:

	 func main() {
		microbatch.InitLogger(microbatch.SimpleLogger(microbatch.LogLevelInfo), microbatch.LogLevelError)
		// ... initialize your application
	 }
*/
func InitLogger(l Logger, kafkaDriverLogLevel LogLevel) Logger {
	oneLogger.Do(func() {
		log = l
		kgoLogger = kgoLogWrapper(toKgoLoglevel(kafkaDriverLogLevel))
	})
	return log
}

// PackageLogger returns the Logger set by InitLogger, for use by the companion packages of this module.
func PackageLogger() Logger {
	return log
}
