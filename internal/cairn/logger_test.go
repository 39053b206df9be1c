package cairn

import (
	"bytes"
	"io"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBasicLogging(t *testing.T) {
	var buf bytes.Buffer

	logger := NewLogger()
	logger.Start()
	logger.logger.SetOutput(&buf)

	testMessage := "This is a test message."
	logger.Log("test", "%s", testMessage)
	logger.Stop()

	assert.Contains(t, buf.String(), testMessage)
	assert.Contains(t, buf.String(), "segment=test")
}

func TestWarningLevel(t *testing.T) {
	var buf bytes.Buffer

	logger := NewLogger()
	logger.Start()
	logger.logger.SetOutput(&buf)

	logger.Warn("test", "Something looks off: %d", 42)
	logger.Stop()

	assert.Contains(t, buf.String(), "Something looks off: 42")
	assert.Contains(t, buf.String(), "warning")
}

func TestLoggingBeforeStart(t *testing.T) {
	// Backup the original stderr
	originalStderr := os.Stderr

	// Create a reader and writer pair using os.Pipe
	r, w, _ := os.Pipe()

	// Redirect stderr to the writer part of the pipe
	os.Stderr = w

	logger := NewLogger()

	testMessage := "This message goes to stderr."
	logger.Log("test", "%s", testMessage)

	// Reset stderr back to its original value and close the writer
	os.Stderr = originalStderr
	w.Close()

	// Read from the reader part of the pipe to capture the data written to stderr
	var buf bytes.Buffer
	io.Copy(&buf, r)
	r.Close()

	assert.Contains(t, buf.String(), testMessage)
}

func TestConcurrentLogging(t *testing.T) {
	var buf bytes.Buffer

	logger := NewLogger()
	logger.Start()
	logger.logger.SetOutput(&buf)

	wg := sync.WaitGroup{}
	n := 100
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			logger.Log("test", "Message %d", id)
		}(i)
	}
	wg.Wait()

	logger.Stop()

	assert.Equal(t, n, len(strings.Split(strings.TrimSpace(buf.String()), "\n")))
}

func TestPanicOnStopWithoutStart(t *testing.T) {
	logger := NewLogger()
	assert.Panics(t, func() {
		logger.Stop()
	})
}

func TestPanicOnDoubleStart(t *testing.T) {
	logger := NewLogger()
	logger.Start()
	defer logger.Stop()

	assert.Panics(t, func() {
		logger.Start()
	})
}
