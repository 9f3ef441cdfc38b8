// Package minilog extends Go's logging functionality to allow for multiple
// loggers, each with its own level and optional substring filters. Call
// AddLogger to register a destination, then use the package-level functions
// to send messages to every registered logger that is enabled for that
// level.
package minilog

import (
	"errors"
	"fmt"
	"io"
	golog "log"
	"sync"
)

var (
	loggers = make(map[string]*minilogger)
	logLock sync.RWMutex

	// LevelFlag is the default level new loggers are expected to be
	// created at; cmd/chatd binds this to a -level flag and callers that
	// want every registered logger bumped at once use SetLevelAll.
	LevelFlag = INFO
)

// AddLogger adds a named logger that only emits events at level or higher.
func AddLogger(name string, output io.Writer, level Level, color bool) {
	logLock.Lock()
	defer logLock.Unlock()

	loggers[name] = &minilogger{golog.New(output, "", golog.LstdFlags), level, color, nil}
}

// DelLogger removes a named logger previously added with AddLogger.
func DelLogger(name string) {
	logLock.Lock()
	defer logLock.Unlock()

	delete(loggers, name)
}

func Loggers() []string {
	logLock.RLock()
	defer logLock.RUnlock()

	var ret []string
	for k := range loggers {
		ret = append(ret, k)
	}
	return ret
}

// WillLog returns true if logging at level will reach at least one
// registered logger. Useful when the log message itself is expensive to
// build.
func WillLog(level Level) bool {
	logLock.RLock()
	defer logLock.RUnlock()

	for _, v := range loggers {
		if v.Level <= level {
			return true
		}
	}
	return false
}

func SetLevel(name string, level Level) error {
	logLock.Lock()
	defer logLock.Unlock()

	if loggers[name] == nil {
		return errors.New("logger does not exist")
	}
	loggers[name].Level = level
	return nil
}

func GetLevel(name string) (Level, error) {
	logLock.RLock()
	defer logLock.RUnlock()

	if loggers[name] == nil {
		return -1, errors.New("logger does not exist")
	}
	return loggers[name].Level, nil
}

// SetLevelAll sets level on every currently registered logger.
func SetLevelAll(level Level) {
	logLock.Lock()
	defer logLock.Unlock()

	LevelFlag = level
	for _, l := range loggers {
		l.Level = level
	}
}

func AddFilter(name, filter string) error {
	logLock.Lock()
	defer logLock.Unlock()

	l, ok := loggers[name]
	if !ok {
		return fmt.Errorf("no such logger %v", name)
	}
	for _, f := range l.filters {
		if f == filter {
			return nil
		}
	}
	l.filters = append(l.filters, filter)
	return nil
}

func log(level Level, name, format string, arg ...interface{}) {
	logLock.RLock()
	defer logLock.RUnlock()

	for _, logger := range loggers {
		if logger.Level <= level {
			logger.log(level, name, format, arg...)
		}
	}
}

func logln(level Level, name string, arg ...interface{}) {
	logLock.RLock()
	defer logLock.RUnlock()

	for _, logger := range loggers {
		if logger.Level <= level {
			logger.logln(level, name, arg...)
		}
	}
}

func Debug(format string, arg ...interface{}) { log(DEBUG, "", format, arg...) }
func Info(format string, arg ...interface{})  { log(INFO, "", format, arg...) }
func Warn(format string, arg ...interface{})  { log(WARN, "", format, arg...) }
func Error(format string, arg ...interface{}) { log(ERROR, "", format, arg...) }

// Fatal logs at FATAL level without calling os.Exit: this package may be
// embedded inside a larger process that must not be unilaterally killed —
// callers that want process death call os.Exit themselves.
func Fatal(format string, arg ...interface{}) { log(FATAL, "", format, arg...) }

func Debugln(arg ...interface{}) { logln(DEBUG, "", arg...) }
func Infoln(arg ...interface{})  { logln(INFO, "", arg...) }
func Warnln(arg ...interface{})  { logln(WARN, "", arg...) }
func Errorln(arg ...interface{}) { logln(ERROR, "", arg...) }
func Fatalln(arg ...interface{}) { logln(FATAL, "", arg...) }
