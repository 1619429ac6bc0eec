package glasses

import (
	"context"
	"fmt"

	"github.com/danmuck/glasslink/internal/protocol"
	"github.com/danmuck/glasslink/internal/protocol/frame"
	"github.com/danmuck/glasslink/internal/render"
	"github.com/danmuck/glasslink/internal/store"
)

// ControlKind names a settings or telemetry command.
type ControlKind string

const (
	ControlBrightness    ControlKind = "brightness"
	ControlHeadUpAngle   ControlKind = "headup"
	ControlMicrophone    ControlKind = "mic"
	ControlHeartbeat     ControlKind = "heartbeat"
	ControlBattery       ControlKind = "battery"
	ControlWearDetection ControlKind = "wear_detection"
	ControlSilentMode    ControlKind = "silent_mode"
)

// Control is one control command. Value carries brightness percent or
// head-up degrees; Enabled carries on/off settings.
type Control struct {
	Kind    ControlKind `json:"kind"`
	Value   int         `json:"value"`
	Auto    bool        `json:"auto"`
	Enabled bool        `json:"enabled"`
}

// SendText queues one screen of text for both arms. Only queuing errors
// are returned; delivery failures surface as events.
func (d *Device) SendText(layout render.Layout, text, right string) error {
	frames, err := d.planner.Text(layout, text, right)
	if err != nil {
		return err
	}
	return d.enqueue(protocol.BothSides, 0, frames...)
}

// SendBitmap queues a 1-bit BMP for both arms.
func (d *Device) SendBitmap(bmp []byte) error {
	frames, err := d.planner.Bitmap(bmp)
	if err != nil {
		return err
	}
	return d.enqueue(protocol.BothSides, 0, frames...)
}

// ShowHomeScreen replaces the display content with a blank text wall.
func (d *Device) ShowHomeScreen() error {
	return d.SendText(render.SingleColumn, " ", "")
}

// ClearDisplay exits bitmap or text mode on both arms.
func (d *Device) ClearDisplay() error {
	return d.enqueue(protocol.BothSides, 0, frame.Clear())
}

func (d *Device) Restart() error {
	return d.enqueue(protocol.BothSides, 0, frame.Restart())
}

func (d *Device) SendNotification(n frame.Notification) error {
	frames, err := d.codec.Notification(n)
	if err != nil {
		return err
	}
	return d.enqueue(protocol.BothSides, 0, frames...)
}

func (d *Device) SetWhitelist(apps []frame.App) error {
	frames, err := d.codec.Whitelist(apps)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.whitelist = append([]frame.App(nil), apps...)
	d.mu.Unlock()
	return d.enqueue(protocol.BothSides, 0, frames...)
}

// SendControl queues c. Brightness, head-up angle and microphone settings
// are persisted and restored on the next connect.
func (d *Device) SendControl(ctx context.Context, c Control) error {
	switch c.Kind {
	case ControlBrightness:
		if err := d.persist(func() error {
			if err := store.SaveInt(ctx, d.store, store.KeyBrightness, c.Value); err != nil {
				return err
			}
			return store.SaveBool(ctx, d.store, store.KeyAutoBrightness, c.Auto)
		}, func(p *store.Preferences) {
			p.Brightness, p.AutoBrightness = c.Value, c.Auto
		}); err != nil {
			return err
		}
		return d.enqueue(protocol.BothSides, 0, frame.Brightness(c.Value, c.Auto))
	case ControlHeadUpAngle:
		if err := d.persist(func() error {
			return store.SaveInt(ctx, d.store, store.KeyHeadUpAngle, c.Value)
		}, func(p *store.Preferences) {
			p.HeadUpAngle = c.Value
		}); err != nil {
			return err
		}
		return d.enqueue(protocol.BothSides, 0, frame.HeadUpAngle(c.Value))
	case ControlMicrophone:
		if err := d.persist(func() error {
			return store.SaveBool(ctx, d.store, store.KeyMicrophone, c.Enabled)
		}, func(p *store.Preferences) {
			p.Microphone = c.Enabled
		}); err != nil {
			return err
		}
		return d.enqueue(protocol.RightOnly, micSettle, frame.Microphone(c.Enabled))
	case ControlHeartbeat:
		return d.enqueue(protocol.BothSides, 0, d.codec.Heartbeat())
	case ControlBattery:
		return d.enqueue(protocol.BothSides, 0, frame.BatteryQuery())
	case ControlWearDetection:
		return d.enqueue(protocol.BothSides, 0, frame.WearDetection(c.Enabled))
	case ControlSilentMode:
		return d.enqueue(protocol.BothSides, 0, frame.SilentMode(c.Enabled))
	default:
		return fmt.Errorf("%w: %q", ErrUnknownControl, c.Kind)
	}
}

// persist writes a preference through save, then applies it to the cached
// copy. The store is written without holding d.mu.
func (d *Device) persist(save func() error, apply func(*store.Preferences)) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := save(); err != nil {
		return fmt.Errorf("glasses: save preference: %w", err)
	}
	d.mu.Lock()
	apply(&d.prefs)
	d.mu.Unlock()
	return nil
}
