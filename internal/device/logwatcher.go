package device

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/hpcloud/tail"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
)

// maxDeviceEvents bounds the event buffer; only the newest are kept.
const maxDeviceEvents = 64

// LogWatcher follows a device log file and records crash signatures as
// device events. Events are diagnostic: they ride along on the episode
// result and never steer the loop.
type LogWatcher struct {
	tail   *tail.Tail
	logger *zap.Logger

	mu     sync.Mutex
	events []schemas.DeviceEvent

	done      chan struct{}
	closeOnce sync.Once
}

// NewLogWatcher starts following the file at path from its current end. The
// file does not need to exist yet; a logcat redirect that starts later is
// picked up on creation.
func NewLogWatcher(path string, logger *zap.Logger) (*LogWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	t, err := tail.TailFile(path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		// Polling keeps the watcher goroutines bound to this tailer's
		// lifetime instead of a shared inotify instance.
		Poll:     true,
		Location: &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd},
		Logger:   tail.DiscardingLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("tail %s: %w", path, err)
	}

	w := &LogWatcher{
		tail:   t,
		logger: logger.Named("logwatcher").With(zap.String("path", path)),
		done:   make(chan struct{}),
	}
	go w.consume()
	w.logger.Info("Device log watcher started.")
	return w, nil
}

func (w *LogWatcher) consume() {
	defer close(w.done)
	for line := range w.tail.Lines {
		if line.Err != nil {
			w.logger.Warn("Device log read error.", zap.Error(line.Err))
			continue
		}
		kind, ok := classifyLogLine(line.Text)
		if !ok {
			continue
		}
		w.record(schemas.DeviceEvent{
			Kind:      kind,
			Detail:    strings.TrimSpace(line.Text),
			Timestamp: time.Now().UTC(),
		})
	}
}

// classifyLogLine matches the crash signatures worth surfacing: Java and
// native crashes, and application-not-responding traces.
func classifyLogLine(text string) (string, bool) {
	switch {
	case strings.Contains(text, "FATAL EXCEPTION"), strings.Contains(text, "Fatal signal"):
		return "crash", true
	case strings.Contains(text, "ANR in "):
		return "anr", true
	}
	return "", false
}

func (w *LogWatcher) record(ev schemas.DeviceEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, ev)
	if len(w.events) > maxDeviceEvents {
		w.events = w.events[len(w.events)-maxDeviceEvents:]
	}
	w.logger.Warn("Device event detected.",
		zap.String("kind", ev.Kind),
		zap.String("detail", ev.Detail),
	)
}

// Snapshot returns a copy of the recorded events, oldest first.
func (w *LogWatcher) Snapshot() []schemas.DeviceEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]schemas.DeviceEvent(nil), w.events...)
}

// Close stops the tailer and waits for the consumer to drain.
func (w *LogWatcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.tail.Stop()
		<-w.done
		w.tail.Cleanup()
		w.logger.Info("Device log watcher stopped.")
	})
	return err
}
