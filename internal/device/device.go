// Package device adapts the loop's action and capture contracts onto
// concrete transports: the Android Debug Bridge command line for physical
// devices and emulators, and the Chrome DevTools Protocol for
// Chromium-rendered UIs. Adapters never see raw oracle output; everything
// arriving here already passed protocol validation.
package device

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
	"github.com/xkilldash9x/marionette-cli/internal/config"
)

// New builds the controller for the configured transport kind.
func New(cfg config.DeviceConfig, logger *zap.Logger) (schemas.DeviceController, error) {
	switch cfg.Kind {
	case config.DeviceADB:
		return NewADB(cfg, logger), nil
	case config.DeviceCDP:
		return NewCDP(cfg, logger), nil
	default:
		return nil, fmt.Errorf("device: unsupported kind %q", cfg.Kind)
	}
}

// resolvedPoint unwraps the coordinates validation fills in for index-based
// targets. A nil here means the action reached the adapter without passing
// through the protocol layer.
func resolvedPoint(kind schemas.ActionType, x, y *int) (int, int, error) {
	if x == nil || y == nil {
		return 0, 0, &schemas.ActionExecutionError{Action: kind, Detail: "coordinates unresolved"}
	}
	return *x, *y, nil
}

// opposite inverts a gesture direction. Scrolling toward content below means
// dragging the finger up, so scroll handlers invert before building the
// gesture.
func opposite(d schemas.Direction) schemas.Direction {
	switch d {
	case schemas.DirectionUp:
		return schemas.DirectionDown
	case schemas.DirectionDown:
		return schemas.DirectionUp
	case schemas.DirectionLeft:
		return schemas.DirectionRight
	case schemas.DirectionRight:
		return schemas.DirectionLeft
	}
	return d
}

// sleepFor pauses for the given number of seconds or until the context ends.
func sleepFor(ctx context.Context, seconds float64) error {
	if seconds <= 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
