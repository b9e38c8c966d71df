package manager

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/config"
	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/protocol"
)

// Monitor probes one connection on a fixed interval and force-closes it after
// MaxMissed consecutive unanswered probes.
type Monitor struct {
	conn      Conn
	interval  time.Duration
	timeout   time.Duration
	maxMissed int

	acks    chan struct{}
	stop    chan struct{}
	once    sync.Once
	missed  atomic.Int32
	pending atomic.Bool
	late    atomic.Bool //a timed-out probe may still be answered once
	log     *zap.Logger
}

func NewMonitor(conn Conn, cfg config.HeartbeatConfig, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		conn:      conn,
		interval:  cfg.Interval,
		timeout:   cfg.Timeout,
		maxMissed: cfg.MaxMissed,
		acks:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		log:       log.With(zap.String("node", conn.ID())),
	}
}

func (m *Monitor) Start() {
	go m.run()
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	var (
		timer *time.Timer
		wait  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-m.stop:
			return

		case <-ticker.C:
			// one probe in flight at a time
			if wait != nil || !m.conn.Connected() {
				continue
			}
			select {
			case <-m.acks:
			default:
			}
			m.late.Store(false)
			m.pending.Store(true)
			if err := m.conn.Send(protocol.Heartbeat, nil); err != nil {
				m.pending.Store(false)
				m.log.Warn("heartbeat send failed", zap.Error(err))
				continue
			}
			timer = time.NewTimer(m.timeout)
			wait = timer.C

		case <-m.acks:
			if wait == nil {
				continue
			}
			timer.Stop()
			wait = nil
			m.pending.Store(false)
			m.missed.Store(0)

		case <-wait:
			wait = nil
			m.late.Store(true)
			m.pending.Store(false)
			n := int(m.missed.Add(1))
			m.log.Warn("heartbeat missed", zap.Int("missed", n), zap.Int("max", m.maxMissed))
			if n >= m.maxMissed {
				m.log.Error("node unresponsive, closing connection", zap.Int("missed", n))
				m.missed.Store(0)
				m.conn.Close()
			}
		}
	}
}

// Ack records a heartbeat reply. The first reply after a probe timed out is late and
// absorbed without an ack. Ack returns false for a heartbeat no probe accounts for,
// meaning the node initiated it and expects an echo.
func (m *Monitor) Ack() bool {
	if !m.pending.Load() {
		return m.late.CompareAndSwap(true, false)
	}
	select {
	case m.acks <- struct{}{}:
	default:
	}
	return true
}

// Stop cancels the probe loop. Safe to call more than once.
func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.stop) })
}

// Missed is the current count of consecutive unanswered probes.
func (m *Monitor) Missed() int {
	return int(m.missed.Load())
}
