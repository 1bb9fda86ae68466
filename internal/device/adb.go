package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
	"github.com/xkilldash9x/marionette-cli/internal/config"
)

const (
	// uiDumpPath is where uiautomator writes the view hierarchy on the device.
	uiDumpPath = "/sdcard/window_dump.xml"
	// longPressMillis pins a swipe to one point long enough to register as a
	// long press.
	longPressMillis = 800
	// swipeMillis is the duration of a directional drag gesture.
	swipeMillis = 300
)

// CommandRunner executes one external command and returns its stdout.
// Injected so tests can script adb transcripts without a device attached.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// runCommand is the os/exec backed default runner. Stderr is folded into the
// returned error so callers can classify device-side failures by text.
func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return nil, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, bytes.TrimSpace(exitErr.Stderr))
		}
		return nil, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return out, nil
}

// transportDownRe matches adb failure texts that mean the device itself is
// gone, as opposed to a shell command it rejected. The serial, when present,
// is quoted inside the message.
var transportDownRe = regexp.MustCompile(`(?i)device( '[^']*')? (offline|not found|unauthorized)` +
	`|no devices|error: closed|protocol fault|cannot connect|connection (refused|reset)|executable file not found`)

func isTransportDown(err error) bool {
	return transportDownRe.MatchString(err.Error())
}

// ADB drives an Android device through the adb command line tool. Each
// Connect resolves a serial against the attached device list and reads the
// screen geometry that gesture synthesis needs.
type ADB struct {
	cfg    config.DeviceConfig
	run    CommandRunner
	logger *zap.Logger
}

// NewADB returns a controller over the adb binary named in the config.
func NewADB(cfg config.DeviceConfig, logger *zap.Logger) *ADB {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ADBPath == "" {
		cfg.ADBPath = "adb"
	}
	return &ADB{cfg: cfg, run: runCommand, logger: logger.Named("adb")}
}

// Connect starts the adb server, resolves the target serial and opens a
// session. Every failure here wraps ErrDeviceUnreachable: an episode cannot
// proceed without a device, whatever the underlying reason.
func (a *ADB) Connect(ctx context.Context) (schemas.DeviceSession, error) {
	if a.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.ConnectTimeout)
		defer cancel()
	}

	if _, err := a.run(ctx, a.cfg.ADBPath, "start-server"); err != nil {
		return nil, fmt.Errorf("adb server: %v: %w", err, schemas.ErrDeviceUnreachable)
	}
	out, err := a.run(ctx, a.cfg.ADBPath, "devices")
	if err != nil {
		return nil, fmt.Errorf("adb devices: %v: %w", err, schemas.ErrDeviceUnreachable)
	}
	serial, err := pickDevice(parseDevices(string(out)), a.cfg.Serial)
	if err != nil {
		return nil, err
	}

	s := &adbSession{
		serial:  serial,
		adbPath: a.cfg.ADBPath,
		run:     a.run,
		logger:  a.logger.With(zap.String("serial", serial)),
	}
	sizeOut, err := s.shell(ctx, "wm", "size")
	if err != nil {
		return nil, fmt.Errorf("adb wm size: %v: %w", err, schemas.ErrDeviceUnreachable)
	}
	s.width, s.height, err = parseWMSize(string(sizeOut))
	if err != nil {
		return nil, fmt.Errorf("adb wm size: %v: %w", err, schemas.ErrDeviceUnreachable)
	}

	s.logger.Info("Device session established.",
		zap.Int("width", s.width),
		zap.Int("height", s.height),
	)
	return s, nil
}

// adbSession is one resolved device. Sessions are driven by a single worker
// at a time, so the geometry fields need no locking.
type adbSession struct {
	serial    string
	adbPath   string
	run       CommandRunner
	logger    *zap.Logger
	width     int
	height    int
	closeOnce sync.Once
}

func (s *adbSession) ID() string { return s.serial }

// shell runs `adb -s <serial> shell <args...>`.
func (s *adbSession) shell(ctx context.Context, args ...string) ([]byte, error) {
	argv := append([]string{"-s", s.serial, "shell"}, args...)
	return s.run(ctx, s.adbPath, argv...)
}

// Execute maps a validated action onto adb input commands. Device-side
// rejections come back as ActionExecutionError; transport loss wraps
// ErrDeviceUnreachable and ends the episode.
func (s *adbSession) Execute(ctx context.Context, action schemas.ValidatedAction) error {
	switch action.Kind {
	case schemas.ActionTap:
		x, y, err := resolvedPoint(action.Kind, action.Tap.X, action.Tap.Y)
		if err != nil {
			return err
		}
		return s.input(ctx, action.Kind, "tap", strconv.Itoa(x), strconv.Itoa(y))

	case schemas.ActionLongPress:
		x, y, err := resolvedPoint(action.Kind, action.LongPress.X, action.LongPress.Y)
		if err != nil {
			return err
		}
		// A swipe pinned to one point is how adb expresses a long press.
		xs, ys := strconv.Itoa(x), strconv.Itoa(y)
		return s.input(ctx, action.Kind, "swipe", xs, ys, xs, ys, strconv.Itoa(longPressMillis))

	case schemas.ActionInputText:
		if action.Input.X != nil && action.Input.Y != nil {
			if err := s.input(ctx, action.Kind, "tap",
				strconv.Itoa(*action.Input.X), strconv.Itoa(*action.Input.Y)); err != nil {
				return err
			}
		}
		return s.input(ctx, action.Kind, "text", escapeShellText(action.Input.Text))

	case schemas.ActionSwipe:
		return s.gesture(ctx, action.Kind, action.Swipe.Direction)

	case schemas.ActionScroll:
		return s.gesture(ctx, action.Kind, opposite(action.Scroll.Direction))

	case schemas.ActionOpenApp:
		if _, err := s.shell(ctx, "monkey", "-p", action.OpenApp.AppName,
			"-c", "android.intent.category.LAUNCHER", "1"); err != nil {
			return s.classify(action.Kind, err)
		}
		return nil

	case schemas.ActionNavigateHome:
		return s.input(ctx, action.Kind, "keyevent", "KEYCODE_HOME")

	case schemas.ActionNavigateBack:
		return s.input(ctx, action.Kind, "keyevent", "KEYCODE_BACK")

	case schemas.ActionWait:
		return sleepFor(ctx, action.Wait.Seconds)

	default:
		return &schemas.ActionExecutionError{Action: action.Kind, Detail: "not a device action"}
	}
}

// input issues one `input` subcommand through the device shell.
func (s *adbSession) input(ctx context.Context, kind schemas.ActionType, args ...string) error {
	if _, err := s.shell(ctx, append([]string{"input"}, args...)...); err != nil {
		return s.classify(kind, err)
	}
	return nil
}

// gesture issues a directional drag as the literal finger motion.
func (s *adbSession) gesture(ctx context.Context, kind schemas.ActionType, dir schemas.Direction) error {
	x1, y1, x2, y2 := s.swipeVector(dir)
	return s.input(ctx, kind, "swipe",
		strconv.Itoa(x1), strconv.Itoa(y1), strconv.Itoa(x2), strconv.Itoa(y2), strconv.Itoa(swipeMillis))
}

// swipeVector builds a drag across the middle third of the screen in the
// given finger direction.
func (s *adbSession) swipeVector(dir schemas.Direction) (x1, y1, x2, y2 int) {
	w, h := s.width, s.height
	if w <= 0 || h <= 0 {
		w, h = 1080, 1920
	}
	cx, cy := w/2, h/2
	switch dir {
	case schemas.DirectionUp:
		return cx, h * 2 / 3, cx, h / 3
	case schemas.DirectionDown:
		return cx, h / 3, cx, h * 2 / 3
	case schemas.DirectionLeft:
		return w * 2 / 3, cy, w / 3, cy
	case schemas.DirectionRight:
		return w / 3, cy, w * 2 / 3, cy
	}
	return cx, cy, cx, cy
}

// CaptureRaw dumps the uiautomator view hierarchy and reads it back, along
// with the foreground activity. The dump intermittently refuses while
// animations are running, so one retry absorbs the common case.
func (s *adbSession) CaptureRaw(ctx context.Context) (schemas.RawCapture, error) {
	if _, err := s.shell(ctx, "uiautomator", "dump", uiDumpPath); err != nil {
		if isTransportDown(err) {
			return schemas.RawCapture{}, fmt.Errorf("adb transport: %v: %w", err, schemas.ErrDeviceUnreachable)
		}
		s.logger.Debug("Hierarchy dump refused, retrying.", zap.Error(err))
		if serr := sleepFor(ctx, 0.5); serr != nil {
			return schemas.RawCapture{}, serr
		}
		if _, err = s.shell(ctx, "uiautomator", "dump", uiDumpPath); err != nil {
			return schemas.RawCapture{}, s.captureErr(err)
		}
	}

	// exec-out returns the file bytes unmangled; `shell cat` would rewrite
	// line endings on older adb builds.
	payload, err := s.run(ctx, s.adbPath, "-s", s.serial, "exec-out", "cat", uiDumpPath)
	if err != nil {
		return schemas.RawCapture{}, s.captureErr(err)
	}

	return schemas.RawCapture{
		Format:   schemas.CaptureUIAutomatorXML,
		Payload:  payload,
		Activity: s.foregroundActivity(ctx),
		Width:    s.width,
		Height:   s.height,
	}, nil
}

var resumedActivityRe = regexp.MustCompile(`(?:mResumedActivity|mFocusedActivity|topResumedActivity)[^{]*\{[^ ]+ [^ ]+ ([^ }]+)`)

// foregroundActivity asks the activity manager which activity holds focus.
// Failures degrade to an empty string; the observer then falls back to the
// hierarchy's own package attribute.
func (s *adbSession) foregroundActivity(ctx context.Context) string {
	out, err := s.shell(ctx, "dumpsys", "activity", "activities")
	if err != nil {
		s.logger.Debug("Foreground activity lookup failed.", zap.Error(err))
		return ""
	}
	if m := resumedActivityRe.FindStringSubmatch(string(out)); m != nil {
		return m[1]
	}
	return ""
}

// Close removes the on-device dump file. adb holds no persistent connection,
// so there is nothing else to release.
func (s *adbSession) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		if _, err := s.shell(ctx, "rm", "-f", uiDumpPath); err != nil {
			s.logger.Debug("Dump file cleanup failed.", zap.Error(err))
		}
		s.logger.Info("Device session closed.")
	})
	return nil
}

// classify sorts a shell failure into transport loss (fatal to the episode)
// or a device-side rejection (a recoverable failed step).
func (s *adbSession) classify(kind schemas.ActionType, err error) error {
	if isTransportDown(err) {
		return fmt.Errorf("adb transport: %v: %w", err, schemas.ErrDeviceUnreachable)
	}
	return &schemas.ActionExecutionError{Action: kind, Detail: "adb rejected the action", Err: err}
}

func (s *adbSession) captureErr(err error) error {
	if isTransportDown(err) {
		return fmt.Errorf("adb transport: %v: %w", err, schemas.ErrDeviceUnreachable)
	}
	return fmt.Errorf("ui hierarchy dump: %w", err)
}

// escapeShellText prepares text for `input text`, which passes through the
// device shell: spaces become %s and shell metacharacters get a backslash.
func escapeShellText(text string) string {
	var b strings.Builder
	for _, r := range text {
		switch r {
		case ' ':
			b.WriteString("%s")
		case '\'', '"', '`', '\\', '$', '&', '|', ';', '(', ')', '<', '>', '*', '?', '[', ']', '{', '}', '~', '#':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// deviceEntry is one row of `adb devices` output.
type deviceEntry struct {
	serial string
	state  string
}

func parseDevices(out string) []deviceEntry {
	var entries []deviceEntry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		entries = append(entries, deviceEntry{serial: fields[0], state: fields[1]})
	}
	return entries
}

// pickDevice selects the session target: the configured serial when set,
// otherwise the only ready device. Ambiguity is an error rather than a guess.
func pickDevice(entries []deviceEntry, serial string) (string, error) {
	if serial != "" {
		for _, e := range entries {
			if e.serial != serial {
				continue
			}
			if e.state != "device" {
				return "", fmt.Errorf("device %s is %s: %w", serial, e.state, schemas.ErrDeviceUnreachable)
			}
			return serial, nil
		}
		return "", fmt.Errorf("device %s not attached: %w", serial, schemas.ErrDeviceUnreachable)
	}

	var ready []string
	for _, e := range entries {
		if e.state == "device" {
			ready = append(ready, e.serial)
		}
	}
	switch len(ready) {
	case 0:
		return "", fmt.Errorf("no ready devices attached: %w", schemas.ErrDeviceUnreachable)
	case 1:
		return ready[0], nil
	default:
		return "", fmt.Errorf("%d devices attached, set device.serial to choose one: %w",
			len(ready), schemas.ErrDeviceUnreachable)
	}
}

var wmSizeRe = regexp.MustCompile(`(?m)^(Physical|Override) size:\s*(\d+)x(\d+)`)

// parseWMSize reads `wm size` output. An override resolution, when active,
// is what input coordinates are measured against, so it wins over the panel's
// physical size.
func parseWMSize(out string) (int, int, error) {
	width, height := 0, 0
	for _, m := range wmSizeRe.FindAllStringSubmatch(out, -1) {
		w, _ := strconv.Atoi(m[2])
		h, _ := strconv.Atoi(m[3])
		if m[1] == "Override" {
			return w, h, nil
		}
		width, height = w, h
	}
	if width == 0 || height == 0 {
		return 0, 0, fmt.Errorf("no screen size in %q", strings.TrimSpace(out))
	}
	return width, height, nil
}
