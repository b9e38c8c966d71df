package node

import "time"

// NodeStatus is the observer-facing view of a node: identity plus metrics with derived totals.
type NodeStatus struct {
	Name       string        `json:"name"`
	Type       Group         `json:"type"`
	IP         string        `json:"ip"`
	OS         string        `json:"os"`
	Connected  bool          `json:"connected"`
	LastUpdate time.Time     `json:"lastUpdate"`
	Metrics    StatusMetrics `json:"metrics"`
}

type StatusMetrics struct {
	CPU     CPUStatus    `json:"cpu"`
	Memory  MemoryStatus `json:"memory"`
	GPU     *GPUStatus   `json:"gpu"`
	Network *NetStatus   `json:"network"`
	Disk    *DiskStatus  `json:"disk"`
}

type CPUStatus struct {
	Model      string  `json:"model"`
	Usage      float64 `json:"usage"`
	TotalUsage float64 `json:"totalUsage"`
}

type MemoryStatus struct {
	Total      float64        `json:"total"`
	Used       float64        `json:"used"`
	Usage      float64        `json:"usage"`
	TotalUsage float64        `json:"totalUsage"`
	Details    []MemoryModule `json:"details,omitempty"`
}

type GPUStatus struct {
	Count          int         `json:"count"`
	TotalUsage     float64     `json:"totalUsage"`
	TotalVRAMUsage float64     `json:"totalVramUsage"`
	Devices        []GPUDevice `json:"devices"`
}

type NetStatus struct {
	Count       int            `json:"count"`
	TotalTxRate float64        `json:"totalTxRate"`
	TotalRxRate float64        `json:"totalRxRate"`
	Interfaces  []NetInterface `json:"interfaces"`
}

type DiskStatus struct {
	Count      int          `json:"count"`
	TotalUsage float64      `json:"totalUsage"`
	Devices    []DiskDevice `json:"devices"`
}

// Status builds the observer view of a node from its latest state.
func Status(n WorkerNode, s *DeviceState) NodeStatus {
	st := NodeStatus{
		Name:       n.Name,
		Type:       n.Group,
		IP:         n.IP,
		OS:         n.OS,
		Connected:  n.Connected,
		LastUpdate: n.LastUpdate,
	}
	if s == nil {
		return st
	}
	st.LastUpdate = s.LastUpdate
	st.Metrics.CPU = CPUStatus{Model: s.CPU.Model, Usage: s.CPU.Usage, TotalUsage: s.CPU.Usage}
	st.Metrics.Memory = MemoryStatus{
		Total:      s.Memory.Total,
		Used:       s.Memory.Used,
		Usage:      s.Memory.Usage,
		TotalUsage: s.Memory.Usage,
		Details:    s.Memory.Details,
	}
	if s.GPU != nil {
		st.Metrics.GPU = &GPUStatus{
			Count:          s.GPU.Count,
			TotalUsage:     s.GPUUsage(),
			TotalVRAMUsage: s.GPUVRAMUsage(),
			Devices:        s.GPU.Devices,
		}
	}
	if s.Network != nil {
		tx, rx := s.NetworkRates()
		st.Metrics.Network = &NetStatus{
			Count:       s.Network.Count,
			TotalTxRate: tx,
			TotalRxRate: rx,
			Interfaces:  s.Network.Interfaces,
		}
	}
	if s.Disk != nil {
		st.Metrics.Disk = &DiskStatus{
			Count:      s.Disk.Count,
			TotalUsage: s.DiskUsage(),
			Devices:    s.Disk.Devices,
		}
	}
	return st
}
