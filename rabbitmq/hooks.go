package rabbitmq

import "sync"

// hooks the close and reconnect handlers registered on a connection or a channel.
type hooks struct {
	emitMu     sync.RWMutex
	closeOnce  sync.Once
	closes     []func()
	reconnects []func()
}

// NotifyClose registers a handler to be triggered once the connection or channel is closed for good.
func (h *hooks) NotifyClose(fn func()) {
	if fn == nil {
		return
	}
	h.emitMu.Lock()
	defer h.emitMu.Unlock()
	h.closes = append(h.closes, fn)
}

// NotifyReconnect registers a handler to be triggered on every successful reconnect.
func (h *hooks) NotifyReconnect(fn func()) {
	if fn == nil {
		return
	}
	h.emitMu.Lock()
	defer h.emitMu.Unlock()
	h.reconnects = append(h.reconnects, fn)
}

func (h *hooks) emitReconnect() {
	h.emitMu.RLock()
	defer h.emitMu.RUnlock()
	for _, fn := range h.reconnects {
		fn()
	}
}

// emitClose runs the close handlers, only the first call has any effect.
func (h *hooks) emitClose() {
	h.closeOnce.Do(func() {
		h.emitMu.RLock()
		defer h.emitMu.RUnlock()
		for _, fn := range h.closes {
			fn()
		}
	})
}
