package cairn

import (
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger buffers diagnostic messages through a channel so storage-path
// code never blocks on log output. Before Start (and after Stop)
// messages fall through to stderr.
type Logger struct {
	logger       *logrus.Logger
	messageChan  chan logEntry
	shutdownChan chan struct{}
	mux          sync.RWMutex
}

type logEntry struct {
	segment string
	warning bool
	message string
}

const logBufferSize = 1024

func NewLogger() *Logger {
	return &Logger{
		messageChan:  make(chan logEntry, logBufferSize),
		shutdownChan: make(chan struct{}),
	}
}

func (l *Logger) Log(segment, format string, args ...any) {
	l.emit(logEntry{segment: segment, message: fmt.Sprintf(format, args...)})
}

func (l *Logger) Warn(segment, format string, args ...any) {
	l.emit(logEntry{segment: segment, warning: true, message: fmt.Sprintf(format, args...)})
}

func (l *Logger) emit(entry logEntry) {
	l.mux.RLock()
	started := l.logger != nil
	l.mux.RUnlock()

	if !started {
		fmt.Fprintln(os.Stderr, entry.message)
		return
	}

	l.messageChan <- entry
}

func (l *Logger) Start() {
	l.mux.Lock()
	defer l.mux.Unlock()

	if l.logger != nil {
		panic("Logger already started")
	}

	l.logger = logrus.New()
	go l.writeLogEntries(l.logger)
}

func (l *Logger) Stop() {
	l.mux.Lock()
	defer l.mux.Unlock()

	if l.logger == nil {
		panic("Logger not started or already stopped")
	}

	close(l.messageChan)
	l.logger = nil
	<-l.shutdownChan
}

func (l *Logger) writeLogEntries(inner *logrus.Logger) {
	for entry := range l.messageChan {
		fields := logrus.Fields{}
		if entry.segment != "" {
			fields["segment"] = entry.segment
		}
		if entry.warning {
			inner.WithFields(fields).Warn(entry.message)
		} else {
			inner.WithFields(fields).Info(entry.message)
		}
	}
	close(l.shutdownChan)
}
