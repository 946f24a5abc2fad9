package engine

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// Memory budget assessment for memory-intensive extraction strategies.
// The effective ceiling comes from the container limit when one is set
// (cgroup v2, then v1), falling back to a heap-based estimate on bare
// hosts. Container limits are hard boundaries, so an in-container check
// inflates the requirement by a safety margin.

const (
	// heapFloorMb is the conservative floor for the heap-based estimate,
	// preventing the fallback from starving strategies down to zero.
	heapFloorMb = 256

	// containerMargin inflates requirements inside a container.
	containerMargin = 1.5

	cgroupV2LimitFile = "sys/fs/cgroup/memory.max"
	cgroupV1LimitFile = "sys/fs/cgroup/memory/memory.limit_in_bytes"
	dockerMarkerFile  = ".dockerenv"

	// cgroup v1 reports "no limit" as a number near 2^63; anything this
	// large means no limit was configured.
	cgroupNoLimitBytes = int64(1) << 60
)

// MemoryAssessment is the verdict for one strategy, recomputed per call.
type MemoryAssessment struct {
	Enabled     bool   `json:"enabled"`
	Reason      string `json:"reason"`
	AvailableMb int    `json:"availableMb,omitempty"`
	RequiredMb  int    `json:"requiredMb,omitempty"`
}

// MemoryAssessor decides whether memory-intensive strategies may run.
// The zero value is not usable; construct with NewMemoryAssessor.
type MemoryAssessor struct {
	fsRoot   string                     // prepended to cgroup paths; "" = real root
	readHeap func() (usedMb, totalMb int)
	flagSet  func(name string) bool
}

// NewMemoryAssessor returns an assessor backed by the real filesystem,
// runtime heap statistics, and environment-variable disable switches.
func NewMemoryAssessor() *MemoryAssessor {
	return &MemoryAssessor{
		readHeap: heapStatsMb,
		flagSet:  envFlagSet,
	}
}

// Assess decides whether a strategy needing requiredMb may be enabled.
// A set disable flag wins before any filesystem read. requiredMb must
// not be negative; that is a caller bug and panics.
func (a *MemoryAssessor) Assess(requiredMb int, disableFlag string) MemoryAssessment {
	if requiredMb < 0 {
		panic(fmt.Sprintf("memory: negative requiredMb %d", requiredMb))
	}

	if disableFlag != "" && a.flagSet(disableFlag) {
		return MemoryAssessment{
			Enabled:    false,
			Reason:     fmt.Sprintf("disabled via %s", disableFlag),
			RequiredMb: requiredMb,
		}
	}

	availableMb := a.availableMemoryMb()

	effectiveMb := requiredMb
	if a.inContainer() {
		effectiveMb = int(math.Ceil(float64(requiredMb) * containerMargin))
	}

	if availableMb >= effectiveMb {
		return MemoryAssessment{
			Enabled:     true,
			Reason:      fmt.Sprintf("%d MB available, %d MB required", availableMb, effectiveMb),
			AvailableMb: availableMb,
			RequiredMb:  effectiveMb,
		}
	}
	return MemoryAssessment{
		Enabled:     false,
		Reason:      fmt.Sprintf("insufficient memory: %d MB available, %d MB required", availableMb, effectiveMb),
		AvailableMb: availableMb,
		RequiredMb:  effectiveMb,
	}
}

// memoryProbe is one named source of an available-memory reading.
// Probes run in order; the first present result wins.
type memoryProbe struct {
	name string
	read func() (int, bool)
}

func (a *MemoryAssessor) probes() []memoryProbe {
	return []memoryProbe{
		{"cgroup-v2", a.readCgroupV2},
		{"cgroup-v1", a.readCgroupV1},
		{"heap", a.readHeapEstimate},
	}
}

func (a *MemoryAssessor) availableMemoryMb() int {
	for _, p := range a.probes() {
		if mb, ok := p.read(); ok {
			slog.Debug("memory probe", slog.String("probe", p.name), slog.Int("available_mb", mb))
			return mb
		}
	}
	return heapFloorMb
}

// readCgroupV2 reads the unified hierarchy limit. The literal "max"
// means no limit configured and is treated as absent.
func (a *MemoryAssessor) readCgroupV2() (int, bool) {
	raw, err := os.ReadFile(filepath.Join("/", a.fsRoot, cgroupV2LimitFile))
	if err != nil {
		return 0, false
	}
	s := strings.TrimSpace(string(raw))
	if s == "max" {
		return 0, false
	}
	bytes, err := strconv.ParseInt(s, 10, 64)
	if err != nil || bytes <= 0 {
		return 0, false
	}
	return int(bytes / 1024 / 1024), true
}

// readCgroupV1 reads the legacy limit file. Values near 2^63 mean no
// limit configured and are treated as absent, not as a large number.
func (a *MemoryAssessor) readCgroupV1() (int, bool) {
	raw, err := os.ReadFile(filepath.Join("/", a.fsRoot, cgroupV1LimitFile))
	if err != nil {
		return 0, false
	}
	bytes, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil || bytes <= 0 || bytes >= cgroupNoLimitBytes {
		return 0, false
	}
	return int(bytes / 1024 / 1024), true
}

func (a *MemoryAssessor) readHeapEstimate() (int, bool) {
	usedMb, totalMb := a.readHeap()
	avail := totalMb - usedMb
	if avail < heapFloorMb {
		avail = heapFloorMb
	}
	return avail, true
}

// inContainer reports whether the process runs under a container
// runtime: any cgroup memory limit file or the docker marker file.
func (a *MemoryAssessor) inContainer() bool {
	for _, f := range []string{cgroupV2LimitFile, cgroupV1LimitFile, dockerMarkerFile} {
		if _, err := os.Stat(filepath.Join("/", a.fsRoot, f)); err == nil {
			return true
		}
	}
	return false
}

// heapStatsMb reads current process heap usage from the runtime.
func heapStatsMb() (usedMb, totalMb int) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return int(ms.HeapAlloc / 1024 / 1024), int(ms.HeapSys / 1024 / 1024)
}

// envFlagSet reports whether the named environment switch is truthy.
func envFlagSet(name string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
