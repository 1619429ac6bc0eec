package link

import (
	"fmt"

	"github.com/danmuck/glasslink/internal/protocol"
)

// attempt is the ble.Handler for one connection attempt. Callbacks from a
// superseded attempt fall through the generation check.
type attempt struct {
	link  *Link
	gen   uint64
	ready chan struct{}
}

func (a *attempt) current() bool {
	<-a.ready
	l := a.link
	l.mu.Lock()
	defer l.mu.Unlock()
	return a.gen == l.gen && !l.closed
}

func (a *attempt) ConnectionChanged(connected bool, err error) {
	if !a.current() {
		return
	}
	l := a.link
	if !connected {
		if err == nil {
			err = fmt.Errorf("%w: peripheral disconnected", protocol.ErrTransientTransport)
		}
		l.fail(a.gen, err)
		return
	}

	l.mu.Lock()
	conn := l.conn
	connecting := l.state == protocol.StateConnecting
	l.mu.Unlock()
	if !connecting || conn == nil {
		return
	}
	l.logger.Debug().Msg("link.connected, discovering services")
	conn.DiscoverServices()
}

func (a *attempt) ServicesDiscovered(err error) {
	if !a.current() {
		return
	}
	l := a.link
	if err != nil {
		l.fail(a.gen, fmt.Errorf("%w: service discovery: %v", protocol.ErrTransientTransport, err))
		return
	}

	l.mu.Lock()
	conn := l.conn
	connecting := l.state == protocol.StateConnecting
	l.mu.Unlock()
	if !connecting || conn == nil {
		return
	}
	if err := conn.Subscribe(); err != nil {
		l.fail(a.gen, fmt.Errorf("%w: subscribe: %v", protocol.ErrTransientTransport, err))
		return
	}

	l.mu.Lock()
	if a.gen != l.gen || l.state != protocol.StateConnecting {
		l.mu.Unlock()
		return
	}
	tr := l.setLocked(protocol.StateServiceReady)
	l.mu.Unlock()

	l.timers.Cancel(protocol.StateConnecting)
	l.logger.Info().Msg("link.service ready")
	l.emit(tr)
}

func (a *attempt) WriteComplete(id uint64, err error) {
	if !a.current() {
		return
	}
	a.link.obs.LinkWriteComplete(a.link.side, id, err)
}

func (a *attempt) Notification(p []byte) {
	if !a.current() {
		return
	}
	a.link.obs.LinkNotification(a.link.side, p)
}
