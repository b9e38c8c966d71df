package worker

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	linux "github.com/c9s/goprocinfo/linux"
	"go.uber.org/zap"

	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/node"
)

const (
	kbPerGB    = 1024 * 1024
	bytesPerGB = 1024 * 1024 * 1024
)

// Collector produces the device state a node reports.
type Collector interface {
	Sample() (node.DeviceState, error)
}

// Sampler reads CPU, memory, disk and network metrics from procfs. CPU usage and network
// rates are deltas against the previous sample; the first sample measures since boot.
// GPUs are not visible through procfs and are reported as absent.
type Sampler struct {
	ProcDir string   //usually /proc
	Mounts  []string //filesystems reported as disks

	mu      sync.Mutex
	prevCPU *linux.CPUStat
	prevNet map[string]linux.NetworkStat
	prevAt  time.Time
	model   string
	log     *zap.Logger
}

func NewSampler(procDir string, mounts []string, log *zap.Logger) *Sampler {
	if procDir == "" {
		procDir = "/proc"
	}
	if len(mounts) == 0 {
		mounts = []string{"/"}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sampler{ProcDir: procDir, Mounts: mounts, log: log}
}

func (s *Sampler) Sample() (node.DeviceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	st := node.DeviceState{LastUpdate: now}

	mem, err := linux.ReadMemInfo(filepath.Join(s.ProcDir, "meminfo"))
	if err != nil {
		return node.DeviceState{}, fmt.Errorf("read meminfo: %w", err)
	}
	st.Memory = memoryInfo(mem)

	stat, err := linux.ReadStat(filepath.Join(s.ProcDir, "stat"))
	if err != nil {
		return node.DeviceState{}, fmt.Errorf("read stat: %w", err)
	}
	cur := stat.CPUStatAll
	st.CPU = node.CPUInfo{Model: s.cpuModel(), Usage: cpuUsage(s.prevCPU, cur)}
	s.prevCPU = &cur

	st.Disk = s.disks()

	nets, err := linux.ReadNetworkStat(filepath.Join(s.ProcDir, "net", "dev"))
	if err != nil {
		s.log.Warn("read network stats failed", zap.Error(err))
	} else {
		st.Network = s.network(nets, now)
	}
	s.prevAt = now
	return st, nil
}

func (s *Sampler) cpuModel() string {
	if s.model != "" {
		return s.model
	}
	info, err := linux.ReadCPUInfo(filepath.Join(s.ProcDir, "cpuinfo"))
	if err != nil || len(info.Processors) == 0 {
		return "unknown"
	}
	s.model = info.Processors[0].ModelName
	return s.model
}

func (s *Sampler) disks() *node.DiskInfo {
	out := &node.DiskInfo{}
	for _, m := range s.Mounts {
		d, err := linux.ReadDisk(m)
		if err != nil {
			s.log.Warn("read disk failed", zap.String("mount", m), zap.Error(err))
			continue
		}
		out.Devices = append(out.Devices, diskDevice(m, d))
	}
	out.Count = len(out.Devices)
	return out
}

func (s *Sampler) network(stats []linux.NetworkStat, now time.Time) *node.NetInfo {
	elapsed := now.Sub(s.prevAt)
	cur := make(map[string]linux.NetworkStat, len(stats))
	out := &node.NetInfo{}
	for _, n := range stats {
		if n.Iface == "lo" {
			continue
		}
		cur[n.Iface] = n
		nic := node.NetInterface{Name: n.Iface}
		if prev, ok := s.prevNet[n.Iface]; ok {
			nic.TxRate = rateMbps(prev.TxBytes, n.TxBytes, elapsed)
			nic.RxRate = rateMbps(prev.RxBytes, n.RxBytes, elapsed)
		}
		out.Interfaces = append(out.Interfaces, nic)
	}
	sort.Slice(out.Interfaces, func(i, j int) bool { return out.Interfaces[i].Name < out.Interfaces[j].Name })
	out.Count = len(out.Interfaces)
	s.prevNet = cur
	return out
}

func memoryInfo(m *linux.MemInfo) node.MemoryInfo {
	used := m.MemTotal - m.MemAvailable
	info := node.MemoryInfo{
		Total: round2(float64(m.MemTotal) / kbPerGB),
		Used:  round2(float64(used) / kbPerGB),
	}
	if m.MemTotal > 0 {
		info.Usage = round2(float64(used) / float64(m.MemTotal) * 100)
	}
	return info
}

func diskDevice(mount string, d *linux.Disk) node.DiskDevice {
	dev := node.DiskDevice{
		Mount:     mount,
		Model:     strings.TrimPrefix(mount, "/"),
		TotalSize: round2(float64(d.All) / bytesPerGB),
		UsedSize:  round2(float64(d.Used) / bytesPerGB),
	}
	if d.All > 0 {
		dev.UsagePercent = round2(float64(d.Used) / float64(d.All) * 100)
	}
	return dev
}

// cpuUsage is the busy share of the jiffies elapsed between prev and cur, in percent.
func cpuUsage(prev *linux.CPUStat, cur linux.CPUStat) float64 {
	idle, total := cpuTimes(cur)
	if prev != nil {
		pIdle, pTotal := cpuTimes(*prev)
		if idle < pIdle || total < pTotal {
			return 0
		}
		idle -= pIdle
		total -= pTotal
	}
	if total == 0 {
		return 0
	}
	return round2(float64(total-idle) / float64(total) * 100)
}

func cpuTimes(c linux.CPUStat) (idle, total uint64) {
	idle = c.Idle + c.IOWait
	busy := c.User + c.Nice + c.System + c.IRQ + c.SoftIRQ + c.Steal
	return idle, idle + busy
}

func rateMbps(prev, cur uint64, elapsed time.Duration) float64 {
	if cur < prev || elapsed <= 0 {
		return 0
	}
	return round2(float64(cur-prev) * 8 / 1e6 / elapsed.Seconds())
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
