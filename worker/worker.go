package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/config"
	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/node"
	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/protocol"
)

const (
	writeWait         = 10 * time.Second
	maxMessageSize    = 1 << 20
	minBackoff        = time.Second
	defaultCollection = 5 * time.Second
)

// Agent is the node side of the coordinator link. It registers, waits for its configuration,
// then pushes device state on the assigned interval and answers on-demand requests and heartbeats.
type Agent struct {
	cfg     config.AgentConfig
	sampler Collector
	dialer  *websocket.Dialer
	log     *zap.Logger

	mu         sync.RWMutex
	assigned   *protocol.ConfigPush
	connected  bool
	collecting bool
	pushes     uint64
	last       *node.DeviceState
}

// Status is what the agent's local API reports.
type Status struct {
	Server     string               `json:"server"`
	Connected  bool                 `json:"connected"`
	Collecting bool                 `json:"collecting"`
	Assigned   *protocol.ConfigPush `json:"assigned,omitempty"`
	Pushes     uint64               `json:"pushes"`
	LastSample *node.DeviceState    `json:"lastSample,omitempty"`
}

func NewAgent(cfg config.AgentConfig, sampler Collector, log *zap.Logger) *Agent {
	if cfg.ReconnectMax < minBackoff {
		cfg.ReconnectMax = minBackoff
	}
	return &Agent{
		cfg:     cfg,
		sampler: sampler,
		dialer:  &websocket.Dialer{HandshakeTimeout: writeWait},
		log:     log.Named("agent"),
	}
}

// Run keeps a session with the coordinator until ctx is cancelled, reconnecting with
// exponential backoff capped at ReconnectMax.
func (a *Agent) Run(ctx context.Context) error {
	backoff := minBackoff
	for {
		connected, err := a.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			backoff = minBackoff
		}
		a.log.Warn("coordinator link lost",
			zap.String("server", a.cfg.Server),
			zap.Error(err),
			zap.Duration("retry_in", backoff))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, a.cfg.ReconnectMax)
	}
}

// session runs one connection. The bool reports whether the dial succeeded.
func (a *Agent) session(ctx context.Context) (bool, error) {
	ws, _, err := a.dialer.DialContext(ctx, a.cfg.Server, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", a.cfg.Server, err)
	}
	defer ws.Close()
	ws.SetReadLimit(maxMessageSize)

	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	defer a.disconnected()
	a.log.Info("connected to coordinator", zap.String("server", a.cfg.Server))

	if err := send(ws, protocol.Register, protocol.RegisterRequest{IP: a.cfg.IP}); err != nil {
		return true, err
	}

	done := make(chan struct{})
	defer close(done)
	inbox := make(chan protocol.Envelope)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			env, err := protocol.Decode(raw)
			if err != nil {
				a.log.Warn("dropping message", zap.Error(err))
				continue
			}
			select {
			case inbox <- env:
			case <-done:
				return
			}
		}
	}()

	var ticker *time.Ticker
	var tick <-chan time.Time
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return true, ctx.Err()
		case err := <-readErr:
			return true, err
		case <-tick:
			if err := a.push(ws, protocol.DeviceInfo); err != nil {
				return true, err
			}
		case env := <-inbox:
			switch env.Event {
			case protocol.ServerConfig:
				var push protocol.ConfigPush
				if err := env.Payload(&push); err != nil {
					a.log.Warn("bad server config", zap.Error(err))
					continue
				}
				a.mu.Lock()
				a.assigned = &push
				a.mu.Unlock()
				a.log.Info("configuration assigned",
					zap.String("name", push.Name),
					zap.String("group", string(push.Type)),
					zap.String("os", push.OS))

			case protocol.ConfigReady:
				interval := a.collectionInterval(env)
				if ticker != nil {
					ticker.Reset(interval)
				} else {
					ticker = time.NewTicker(interval)
					tick = ticker.C
				}
				a.mu.Lock()
				a.collecting = true
				a.mu.Unlock()
				a.log.Info("collection started", zap.Duration("interval", interval))
				if err := a.push(ws, protocol.DeviceInfo); err != nil {
					return true, err
				}

			case protocol.DeviceInfoRequest:
				if err := a.push(ws, protocol.DeviceInfoResponse); err != nil {
					return true, err
				}

			case protocol.Heartbeat:
				if err := send(ws, protocol.Heartbeat, nil); err != nil {
					return true, err
				}
			}
		}
	}
}

// collectionInterval takes the interval from config:ready, then from server:config, then the default.
func (a *Agent) collectionInterval(env protocol.Envelope) time.Duration {
	var start protocol.StartCollecting
	if err := env.Payload(&start); err == nil && start.CollectionInterval > 0 {
		return time.Duration(start.CollectionInterval) * time.Millisecond
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.assigned != nil && a.assigned.CollectionInterval > 0 {
		return time.Duration(a.assigned.CollectionInterval) * time.Millisecond
	}
	return defaultCollection
}

// push samples the device and sends it as ev. A failed sample is logged and skipped.
func (a *Agent) push(ws *websocket.Conn, ev protocol.Event) error {
	st, err := a.sampler.Sample()
	if err != nil {
		a.log.Warn("device sample failed", zap.Error(err))
		return nil
	}
	if err := send(ws, ev, st); err != nil {
		return err
	}
	a.mu.Lock()
	a.pushes++
	a.last = &st
	a.mu.Unlock()
	return nil
}

func (a *Agent) disconnected() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	a.collecting = false
	a.assigned = nil
}

func (a *Agent) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Status{
		Server:     a.cfg.Server,
		Connected:  a.connected,
		Collecting: a.collecting,
		Assigned:   a.assigned,
		Pushes:     a.pushes,
		LastSample: a.last,
	}
}

func send(ws *websocket.Conn, ev protocol.Event, payload any) error {
	msg, err := protocol.Encode(ev, payload)
	if err != nil {
		return err
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, msg)
}
