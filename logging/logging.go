package logging

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

const maxLogSize = 2 * 1024 * 1024 // 2MB

type RotatingWriter struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	size    int64
	maxSize int64
}

// Setup builds the process logger. Output goes to stdout and, when logPath
// can be opened, to a rotating file next to it. The returned writer is nil
// if file logging could not be set up.
func Setup(logPath, level string, color bool) (*logrus.Logger, *RotatingWriter, error) {
	logger := logrus.New()
	logger.SetFormatter(NewColoredFormatter(!color))
	logger.SetOutput(os.Stdout)

	if lvl, err := logrus.ParseLevel(level); err == nil {
		logger.SetLevel(lvl)
	} else {
		logger.SetLevel(logrus.InfoLevel)
		logger.WithField("level", level).Warn("Unknown log level, using info")
	}

	if logPath == "" {
		return logger, nil, nil
	}

	rw, err := OpenRotating(logPath, maxLogSize)
	if err != nil {
		return logger, nil, err
	}
	logger.SetOutput(io.MultiWriter(os.Stdout, rw))
	return logger, rw, nil
}

// OpenRotating opens logPath for appending, truncating it first if it is
// already above maxSize.
func OpenRotating(logPath string, maxSize int64) (*RotatingWriter, error) {
	if info, err := os.Stat(logPath); err == nil && info.Size() > maxSize {
		os.Truncate(logPath, 0)
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	info, _ := f.Stat()
	size := int64(0)
	if info != nil {
		size = info.Size()
	}

	return &RotatingWriter{
		file:    f,
		path:    logPath,
		size:    size,
		maxSize: maxSize,
	}, nil
}

func (w *RotatingWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err = w.file.Write(p)
	w.size += int64(n)

	if w.size > w.maxSize {
		w.rotate()
	}

	return n, err
}

func (w *RotatingWriter) rotate() {
	w.file.Close()

	// Keep one backup
	os.Rename(w.path, w.path+".1")

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return
	}

	w.file = f
	w.size = 0
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// Discard returns a logger that drops everything. Tests use it.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
