package glasses

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/glasslink/internal/coordinator"
	"github.com/danmuck/glasslink/internal/flow"
	"github.com/danmuck/glasslink/internal/protocol"
	"github.com/danmuck/glasslink/internal/protocol/demux"
	"github.com/danmuck/glasslink/internal/protocol/frame"
	"github.com/danmuck/glasslink/internal/render"
	"github.com/danmuck/glasslink/internal/store"
)

// observer receives coordinator events on behalf of the device.
type observer Device

var _ coordinator.Observer = (*observer)(nil)

func (o *observer) LinkStateChanged(state protocol.LinkState) {
	d := (*Device)(o)
	d.ready.Set(state == protocol.LinkConnected)

	d.mu.Lock()
	prev := d.state
	d.state = state
	close(d.changed)
	d.changed = make(chan struct{})
	start := state == protocol.LinkConnected && prev != protocol.LinkConnected && !d.closed
	if state != protocol.LinkConnected {
		if d.stopSession != nil {
			d.stopSession()
			d.stopSession = nil
		}
		d.battery = [2]int{-1, -1}
		d.minLevel = -1
	}
	var ctx context.Context
	if start {
		ctx, d.stopSession = context.WithCancel(d.ctx)
		d.wg.Add(1)
	}
	d.mu.Unlock()

	d.logger.Info().Str("from", prev.String()).Str("to", state.String()).Msg("glasses.link state")
	d.bus.Publish(LinkChanged{State: state})
	if start {
		go func() {
			defer d.wg.Done()
			d.runSession(ctx)
		}()
	}
}

func (o *observer) PairConfirmed(id protocol.PairingIdentity) {
	d := (*Device)(o)
	left, _ := d.coord.Link(protocol.Left).Peripheral()
	right, _ := d.coord.Link(protocol.Right).Peripheral()
	if err := store.SavePairing(d.ctx, d.store, id, left.Name, right.Name); err != nil {
		d.logger.Warn().Err(err).Msg("glasses.save pairing failed")
	} else {
		d.mu.Lock()
		d.prefs.Identity, d.prefs.LeftName, d.prefs.RightName = id, left.Name, right.Name
		d.mu.Unlock()
	}
	d.bus.Publish(PairConfirmed{Identity: id})
}

func (o *observer) Warning(err error) {
	(*Device)(o).bus.Publish(newWarning(err))
}

func (o *observer) PermanentFailure(err error) {
	d := (*Device)(o)
	d.mu.Lock()
	d.permErr = err
	close(d.changed)
	d.changed = make(chan struct{})
	d.mu.Unlock()
	d.logger.Error().Err(err).Msg("glasses.permanent failure")
	d.bus.Publish(PermanentFailure{Err: err, Message: err.Error()})
}

func (o *observer) Notification(side protocol.Side, p []byte) {
	(*Device)(o).demux.Dispatch(side, p)
}

func (o *observer) WriteComplete(side protocol.Side, id uint64, err error) {
	(*Device)(o).queue.Ack(side, id, err)
}

// runSession sends the post-connect initialization, then beats until ctx
// ends with the connection.
func (d *Device) runSession(ctx context.Context) {
	if !wait(ctx, d.cfg.InitialConnectionDelay) {
		return
	}
	if err := d.initialize(); err != nil {
		d.logger.Warn().Err(err).Msg("glasses.initialize failed")
		return
	}

	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()
	beats := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		beats++
		frames := []frame.Frame{d.codec.Heartbeat()}
		d.mu.Lock()
		unknown := d.minLevel < 0
		d.mu.Unlock()
		if unknown || beats%d.cfg.BatteryPollEvery == 0 {
			frames = append(frames, frame.BatteryQuery())
		}
		if err := d.enqueue(protocol.BothSides, 0, frames...); err != nil {
			return
		}
	}
}

func (d *Device) initialize() error {
	d.mu.Lock()
	prefs := d.prefs
	whitelist := d.whitelist
	d.mu.Unlock()

	steps := []flow.Request{
		{Sides: protocol.BothSides, Frames: []frame.Frame{frame.FirmwareInfo()}},
		{Sides: protocol.LeftOnly, Frames: []frame.Frame{frame.InitSession()}},
		{Sides: protocol.BothSides, Frames: []frame.Frame{
			frame.WearDetection(false),
			frame.SilentMode(false),
			frame.BatteryQuery(),
			frame.Brightness(prefs.Brightness, prefs.AutoBrightness),
			frame.HeadUpAngle(prefs.HeadUpAngle),
		}},
		{Sides: protocol.RightOnly, Delay: micSettle, Frames: []frame.Frame{frame.Microphone(prefs.Microphone)}},
	}
	if len(whitelist) > 0 {
		frames, err := d.codec.Whitelist(whitelist)
		if err != nil {
			return err
		}
		steps = append(steps, flow.Request{Sides: protocol.BothSides, Frames: frames})
	}
	home, err := d.planner.Text(render.SingleColumn, " ", "")
	if err != nil {
		return err
	}
	steps = append(steps, flow.Request{Sides: protocol.BothSides, Frames: home})

	for _, req := range steps {
		if err := d.enqueue(req.Sides, req.Delay, req.Frames...); err != nil {
			return fmt.Errorf("glasses: queue init: %w", err)
		}
	}
	return nil
}

func (d *Device) onEvent(ev demux.Event) {
	switch e := ev.(type) {
	case demux.Battery:
		d.mu.Lock()
		d.battery[e.Side] = e.Level
		level := -1
		if d.battery[protocol.Left] >= 0 && d.battery[protocol.Right] >= 0 {
			level = min(d.battery[protocol.Left], d.battery[protocol.Right])
		}
		changed := level >= 0 && level != d.minLevel
		if level >= 0 {
			d.minLevel = level
		}
		d.mu.Unlock()
		d.bus.Publish(e)
		if changed {
			d.bus.Publish(GlassesBattery{Level: level})
		}
		return
	case demux.TextAck:
		if !e.Success {
			d.failure(protocol.WrapSide(e.Side, "text", fmt.Errorf("%w: status 0x%02X", protocol.ErrProtocolMismatch, e.Status)))
		}
	case demux.BitmapAck:
		if !e.Success {
			d.failure(protocol.WrapSide(e.Side, "bitmap", fmt.Errorf("%w: crc rejected", protocol.ErrProtocolMismatch)))
		}
	case demux.AudioChunk:
		if d.audio != nil {
			pcm, err := d.audio.Decode(e.Frame)
			if err != nil {
				d.logger.Debug().Err(err).Uint8("seq", e.Sequence).Msg("glasses.audio decode failed")
			} else {
				d.bus.Publish(AudioPCM{Sequence: e.Sequence, PCM: pcm})
			}
		}
	case demux.Unknown:
		d.logger.Debug().Str("side", e.Side.String()).Hex("raw", e.Raw).Msg("glasses.unknown notification")
		d.bus.Publish(newWarning(protocol.WrapSide(e.Side, "notification",
			fmt.Errorf("%w: unrecognized % X", protocol.ErrProtocolMismatch, e.Raw))))
	}
	d.bus.Publish(ev)
}

// onWrite counts consecutive ack failures from the drain worker.
func (d *Device) onWrite(o flow.Outcome) {
	switch {
	case o.Err == nil:
		d.mu.Lock()
		d.failures = 0
		d.degraded = false
		d.mu.Unlock()
	case errors.Is(o.Err, flow.ErrAckTimeout):
		d.failure(protocol.WrapSide(o.Side, "write", o.Err))
	}
}

func (d *Device) failure(err error) {
	d.mu.Lock()
	d.failures++
	report := d.failures >= d.cfg.FailureThreshold && !d.degraded
	if report {
		d.degraded = true
	}
	d.mu.Unlock()

	if errors.Is(err, protocol.ErrProtocolMismatch) {
		d.bus.Publish(newWarning(err))
	}
	if report {
		d.logger.Warn().Err(err).Msg("glasses.link degraded")
		d.bus.Publish(newWarning(fmt.Errorf("%w: %v", protocol.ErrLinkDegraded, err)))
	}
}

func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
