package node

import "time"

// DeviceState is the metric snapshot a node agent reports. Field names follow the agent wire format.
type DeviceState struct {
	CPU        CPUInfo    `json:"cpu"`
	Memory     MemoryInfo `json:"memory"`
	GPU        *GPUInfo   `json:"gpu,omitempty"`
	Disk       *DiskInfo  `json:"disk,omitempty"`
	Network    *NetInfo   `json:"network,omitempty"`
	LastUpdate time.Time  `json:"lastUpdate"`
}

type CPUInfo struct {
	Model string  `json:"model"`
	Usage float64 `json:"usage"` //percent
}

type MemoryInfo struct {
	Total   float64        `json:"total"` //GB
	Used    float64        `json:"used"`  //GB
	Usage   float64        `json:"usage"` //percent
	Details []MemoryModule `json:"details,omitempty"`
}

type MemoryModule struct {
	Bank         string  `json:"bank,omitempty"`
	Type         string  `json:"type,omitempty"`
	Size         float64 `json:"size"` //GB
	ClockSpeed   int     `json:"clockSpeed,omitempty"`
	Manufacturer string  `json:"manufacturer,omitempty"`
}

type GPUInfo struct {
	Count   int         `json:"count"`
	Devices []GPUDevice `json:"devices"`
}

type GPUDevice struct {
	Model     string  `json:"model"`
	VRAM      float64 `json:"vram"`     //GB
	VRAMUsed  float64 `json:"vramUsed"` //GB
	VRAMUsage float64 `json:"vramUsage"`
	Usage     float64 `json:"usage"`
}

type DiskInfo struct {
	Count   int          `json:"count"`
	Devices []DiskDevice `json:"devices"`
}

type DiskDevice struct {
	Mount        string  `json:"mount"`
	Model        string  `json:"model"`
	TotalSize    float64 `json:"totalSize"` //GB
	UsedSize     float64 `json:"usedSize"`  //GB
	UsagePercent float64 `json:"usagePercent"`
}

type NetInfo struct {
	Count      int            `json:"count"`
	Interfaces []NetInterface `json:"interfaces"`
}

type NetInterface struct {
	Name        string  `json:"name"`
	Model       string  `json:"model"`
	Speed       float64 `json:"speed"`  //Mbps
	TxRate      float64 `json:"txRate"` //Mbps
	RxRate      float64 `json:"rxRate"` //Mbps
	Utilization float64 `json:"utilization"`
}

// GPUUsage is the mean utilization over all GPU devices; 0 when the node reports none.
func (s *DeviceState) GPUUsage() float64 {
	if s == nil || s.GPU == nil || len(s.GPU.Devices) == 0 {
		return 0
	}
	var sum float64
	for _, d := range s.GPU.Devices {
		sum += d.Usage
	}
	return sum / float64(len(s.GPU.Devices))
}

func (s *DeviceState) GPUVRAMUsage() float64 {
	if s == nil || s.GPU == nil || len(s.GPU.Devices) == 0 {
		return 0
	}
	var sum float64
	for _, d := range s.GPU.Devices {
		sum += d.VRAMUsage
	}
	return sum / float64(len(s.GPU.Devices))
}

func (s *DeviceState) DiskUsage() float64 {
	if s == nil || s.Disk == nil || len(s.Disk.Devices) == 0 {
		return 0
	}
	var sum float64
	for _, d := range s.Disk.Devices {
		sum += d.UsagePercent
	}
	return sum / float64(len(s.Disk.Devices))
}

// NetworkRates sums transmit and receive rates over all interfaces.
func (s *DeviceState) NetworkRates() (tx, rx float64) {
	if s == nil || s.Network == nil {
		return 0, 0
	}
	for _, nic := range s.Network.Interfaces {
		tx += nic.TxRate
		rx += nic.RxRate
	}
	return tx, rx
}
