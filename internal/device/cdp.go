package device

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
	"github.com/xkilldash9x/marionette-cli/internal/config"
)

const (
	// longPressHold separates a press/release pair far enough to register as
	// a long press in touch-translated web UIs.
	longPressHold = 800 * time.Millisecond
	// wheelStep is the scroll distance of one directional gesture, in CSS px.
	wheelStep = 350.0
)

// CDP drives a Chromium-rendered UI through the DevTools protocol. Each
// Connect launches a browser whose lifetime is owned by the returned session.
type CDP struct {
	cfg    config.DeviceConfig
	logger *zap.Logger
}

// NewCDP returns a controller that launches Chromium on Connect.
func NewCDP(cfg config.DeviceConfig, logger *zap.Logger) *CDP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CDP{cfg: cfg, logger: logger.Named("cdp")}
}

// Connect launches the browser and navigates to the configured target. The
// allocator and browser contexts hang off Background: the session must
// outlive Connect's deadline, and teardown happens in Close.
func (c *CDP) Connect(ctx context.Context) (schemas.DeviceSession, error) {
	if c.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", c.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(c.logger.Sugar().Debugf),
		chromedp.WithErrorf(c.logger.Sugar().Warnf),
	)

	s := &cdpSession{
		ctx:     browserCtx,
		cancels: []context.CancelFunc{browserCancel, allocCancel},
		home:    c.cfg.TargetURL,
		logger:  c.logger,
		width:   1280,
		height:  800,
	}
	s.runFunc = s.runActions

	var actions []chromedp.Action
	if c.cfg.TargetURL != "" {
		actions = append(actions, chromedp.Navigate(c.cfg.TargetURL))
	}
	// Run launches the browser even with an empty action list.
	if err := s.runActions(ctx, actions...); err != nil {
		s.release()
		return nil, fmt.Errorf("chromium launch: %v: %w", err, schemas.ErrDeviceUnreachable)
	}

	if cc := chromedp.FromContext(browserCtx); cc != nil && cc.Target != nil {
		s.id = string(cc.Target.TargetID)
	}
	if s.id == "" {
		s.id = "chromium"
	}
	c.logger.Info("Browser session established.",
		zap.String("target_id", s.id),
		zap.Bool("headless", c.cfg.Headless),
		zap.String("target_url", c.cfg.TargetURL),
	)
	return s, nil
}

// cdpSession is one live browser target. The master context carries the CDP
// connection; per-call contexts only bound individual operations.
type cdpSession struct {
	ctx     context.Context
	cancels []context.CancelFunc
	runFunc func(ctx context.Context, actions ...chromedp.Action) error
	id      string
	home    string
	logger  *zap.Logger
	// Viewport geometry, refreshed on capture. Sessions are single-worker,
	// so no locking.
	width  int
	height int

	closeOnce sync.Once
}

func (s *cdpSession) ID() string { return s.id }

// runActions executes chromedp actions against the session target, bounded
// by both the session lifetime and the caller's deadline.
func (s *cdpSession) runActions(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := combineContext(s.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// Execute maps a validated action onto CDP input dispatch and navigation.
func (s *cdpSession) Execute(ctx context.Context, action schemas.ValidatedAction) error {
	actions, err := s.actions(action)
	if err != nil {
		return err
	}
	if err := s.runFunc(ctx, actions...); err != nil {
		return s.classify(ctx, action.Kind, err)
	}
	return nil
}

// actions translates one validated action into chromedp primitives.
func (s *cdpSession) actions(action schemas.ValidatedAction) ([]chromedp.Action, error) {
	switch action.Kind {
	case schemas.ActionTap:
		x, y, err := resolvedPoint(action.Kind, action.Tap.X, action.Tap.Y)
		if err != nil {
			return nil, err
		}
		return []chromedp.Action{chromedp.MouseClickXY(float64(x), float64(y))}, nil

	case schemas.ActionLongPress:
		x, y, err := resolvedPoint(action.Kind, action.LongPress.X, action.LongPress.Y)
		if err != nil {
			return nil, err
		}
		fx, fy := float64(x), float64(y)
		press := input.DispatchMouseEvent(input.MousePressed, fx, fy).
			WithButton(input.Left).WithClickCount(1)
		release := input.DispatchMouseEvent(input.MouseReleased, fx, fy).
			WithButton(input.Left).WithClickCount(1)
		return []chromedp.Action{press, chromedp.Sleep(longPressHold), release}, nil

	case schemas.ActionInputText:
		var actions []chromedp.Action
		if action.Input.X != nil && action.Input.Y != nil {
			actions = append(actions, chromedp.MouseClickXY(float64(*action.Input.X), float64(*action.Input.Y)))
		}
		return append(actions, chromedp.KeyEvent(action.Input.Text)), nil

	case schemas.ActionSwipe:
		// A swipe is the finger motion, so the wheel delta points the other
		// way: dragging up reveals content below.
		return []chromedp.Action{s.wheel(opposite(action.Swipe.Direction))}, nil

	case schemas.ActionScroll:
		return []chromedp.Action{s.wheel(action.Scroll.Direction)}, nil

	case schemas.ActionOpenApp:
		target := action.OpenApp.AppName
		if !strings.Contains(target, "://") {
			target = "https://" + target
		}
		return []chromedp.Action{chromedp.Navigate(target)}, nil

	case schemas.ActionNavigateHome:
		if s.home == "" {
			return nil, &schemas.ActionExecutionError{Action: action.Kind, Detail: "no home target configured"}
		}
		return []chromedp.Action{chromedp.Navigate(s.home)}, nil

	case schemas.ActionNavigateBack:
		return []chromedp.Action{chromedp.NavigateBack()}, nil

	case schemas.ActionWait:
		return []chromedp.Action{chromedp.Sleep(time.Duration(action.Wait.Seconds * float64(time.Second)))}, nil

	default:
		return nil, &schemas.ActionExecutionError{Action: action.Kind, Detail: "not a device action"}
	}
}

// wheel emits a scroll wheel event at the viewport center, moving the view
// toward the given direction.
func (s *cdpSession) wheel(dir schemas.Direction) chromedp.Action {
	var dx, dy float64
	switch dir {
	case schemas.DirectionUp:
		dy = -wheelStep
	case schemas.DirectionDown:
		dy = wheelStep
	case schemas.DirectionLeft:
		dx = -wheelStep
	case schemas.DirectionRight:
		dx = wheelStep
	}
	cx, cy := float64(s.width)/2, float64(s.height)/2
	return input.DispatchMouseEvent(input.MouseWheel, cx, cy).WithDeltaX(dx).WithDeltaY(dy)
}

// CaptureRaw serializes the current DOM along with the page identity and
// viewport geometry.
func (s *cdpSession) CaptureRaw(ctx context.Context) (schemas.RawCapture, error) {
	var (
		html  string
		title string
		loc   string
		dims  []int
	)
	err := s.runFunc(ctx,
		chromedp.Location(&loc),
		chromedp.Title(&title),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Evaluate(`[window.innerWidth, window.innerHeight]`, &dims),
	)
	if err != nil {
		if s.ctx.Err() != nil || isBrowserGone(err) {
			return schemas.RawCapture{}, fmt.Errorf("cdp transport: %v: %w", err, schemas.ErrDeviceUnreachable)
		}
		return schemas.RawCapture{}, fmt.Errorf("dom capture: %w", err)
	}
	if len(dims) == 2 && dims[0] > 0 && dims[1] > 0 {
		s.width, s.height = dims[0], dims[1]
	}

	activity := title
	if activity == "" {
		activity = loc
	}
	return schemas.RawCapture{
		Format:   schemas.CaptureHTML,
		Payload:  []byte(html),
		Activity: activity,
		Width:    s.width,
		Height:   s.height,
	}, nil
}

// Close shuts the browser down gracefully, bounded by the caller's deadline;
// whatever survives the deadline is force-killed by the context teardown.
func (s *cdpSession) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		done := make(chan error, 1)
		go func() { done <- chromedp.Cancel(s.ctx) }()
		select {
		case err = <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		s.release()
		s.logger.Info("Browser session closed.")
	})
	return err
}

func (s *cdpSession) release() {
	for i := len(s.cancels) - 1; i >= 0; i-- {
		s.cancels[i]()
	}
}

// classify separates transport loss from page-level failures. A dead master
// context means the browser is gone; a dead operation context is a timeout
// on one action.
func (s *cdpSession) classify(ctx context.Context, kind schemas.ActionType, err error) error {
	if s.ctx.Err() != nil || isBrowserGone(err) {
		return fmt.Errorf("cdp transport: %v: %w", err, schemas.ErrDeviceUnreachable)
	}
	if ctx.Err() != nil {
		return &schemas.ActionExecutionError{Action: kind, Detail: "action timed out", Err: ctx.Err()}
	}
	return &schemas.ActionExecutionError{Action: kind, Detail: "page rejected the action", Err: err}
}

var browserGoneMarkers = []string{
	"chrome failed to start",
	"browser process",
	"websocket",
	"target closed",
	"target crashed",
	"connection refused",
}

func isBrowserGone(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range browserGoneMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// combineContext derives a context from primary (keeping its values, which
// carry the CDP target) that is also canceled when secondary ends.
func combineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)
	go func() {
		select {
		case <-secondary.Done():
			cancel()
		case <-combined.Done():
		}
	}()
	return combined, cancel
}
