package httpapi

import (
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/voxelcare/volumetry-agent/internal/app/events"
)

// recentEventCount bounds the event tail included in /system.
const recentEventCount = 20

func (h *handler) ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	components := map[string]string{}
	ready := true

	if err := h.app.Archive.EnsureLayout(); err != nil {
		components["storage"] = err.Error()
		ready = false
	} else {
		components["storage"] = "ok"
	}

	if h.app.DB != nil {
		if err := h.app.DB.PingContext(ctx); err != nil {
			components["database"] = err.Error()
			ready = false
		} else {
			components["database"] = "ok"
		}
	} else {
		components["database"] = "skipped"
	}

	if h.app.Cache.Enabled() {
		if err := h.app.Cache.Ping(ctx); err != nil {
			components["cache"] = err.Error()
			ready = false
		} else {
			components["cache"] = "ok"
		}
	} else {
		components["cache"] = "skipped"
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "unready"
	}
	writeJSON(w, status, map[string]interface{}{
		"status":     state,
		"components": components,
	})
}

type hostView struct {
	Hostname      string `json:"hostname"`
	OS            string `json:"os"`
	Platform      string `json:"platform"`
	KernelVersion string `json:"kernel_version"`
}

type memoryView struct {
	TotalBytes     uint64  `json:"total_bytes"`
	AvailableBytes uint64  `json:"available_bytes"`
	UsedPercent    float64 `json:"used_percent"`
}

type diskView struct {
	Path        string  `json:"path"`
	TotalBytes  uint64  `json:"total_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

type archiveView struct {
	Studies       int   `json:"studies"`
	Segmentations int   `json:"segmentations"`
	SizeBytes     int64 `json:"size_bytes"`
}

type systemView struct {
	Status        string         `json:"status"`
	Environment   string         `json:"environment"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	Host          *hostView      `json:"host,omitempty"`
	Memory        *memoryView    `json:"memory,omitempty"`
	Disk          *diskView      `json:"disk,omitempty"`
	Archive       archiveView    `json:"archive"`
	Events        []events.Event `json:"events"`
}

// system reports a point-in-time operational snapshot. Host probes are
// best-effort; a failing probe drops its section rather than the
// endpoint.
func (h *handler) system(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	view := systemView{
		Status:      "ok",
		Environment: h.app.Config.Environment,
		Events:      h.app.Events.Recent(recentEventCount),
	}
	if view.Events == nil {
		view.Events = []events.Event{}
	}
	if started := h.app.StartedAt(); !started.IsZero() {
		view.UptimeSeconds = time.Since(started).Seconds()
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		view.Host = &hostView{
			Hostname:      info.Hostname,
			OS:            info.OS,
			Platform:      info.Platform,
			KernelVersion: info.KernelVersion,
		}
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		view.Memory = &memoryView{
			TotalBytes:     vm.Total,
			AvailableBytes: vm.Available,
			UsedPercent:    vm.UsedPercent,
		}
	}
	if usage, err := disk.UsageWithContext(ctx, h.app.Archive.Root()); err == nil {
		view.Disk = &diskView{
			Path:        usage.Path,
			TotalBytes:  usage.Total,
			FreeBytes:   usage.Free,
			UsedPercent: usage.UsedPercent,
		}
	}

	if summaries, err := h.app.Archive.ListStudies(ctx); err == nil {
		view.Archive.Studies = len(summaries)
		for _, s := range summaries {
			view.Archive.Segmentations += len(s.Segmentations)
			view.Archive.SizeBytes += s.SizeBytes
		}
	}

	writeJSON(w, http.StatusOK, view)
}
