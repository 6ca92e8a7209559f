package resourcemon

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
)

// Sampler reports current CPU and memory utilization as percentages.
// Disk/network throughput are out of scope for C13 (spec §4.13 only names
// CPU/memory); the zero value is carried through to feature extraction
// rather than fabricated.
type Sampler interface {
	Sample() (cpuPercent, memoryPercent float64, err error)
}

// ProcSampler reads /proc/stat and /proc/meminfo (Linux), computing CPU
// utilization as a delta between successive total/idle jiffy counts the way
// top-style tools do, and memory utilization from MemTotal - MemAvailable.
// Grounded in modules/scheduler/scheduler.go's cron-driven periodic sampling
// shape; the /proc parsing itself is new, since the teacher has no resource
// sampler to generalize from.
type ProcSampler struct {
	lastTotal, lastIdle uint64
	haveBaseline        bool
}

// NewProcSampler constructs a sampler with no baseline yet; the first Sample
// call establishes one and reports 0% CPU.
func NewProcSampler() *ProcSampler { return &ProcSampler{} }

func (p *ProcSampler) Sample() (float64, float64, error) {
	cpu, err := p.sampleCPU()
	if err != nil {
		return 0, 0, err
	}
	mem, err := sampleMemory()
	if err != nil {
		return 0, 0, err
	}
	return cpu, mem, nil
}

func (p *ProcSampler) sampleCPU() (float64, error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, fmt.Errorf("resourcemon: empty /proc/stat")
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 8 || fields[0] != "cpu" {
		return 0, fmt.Errorf("resourcemon: unexpected /proc/stat format")
	}

	var total, idle uint64
	for i, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			continue
		}
		total += v
		if i == 3 { // idle field
			idle += v
		}
	}

	if !p.haveBaseline {
		p.lastTotal, p.lastIdle = total, idle
		p.haveBaseline = true
		return 0, nil
	}

	deltaTotal := total - p.lastTotal
	deltaIdle := idle - p.lastIdle
	p.lastTotal, p.lastIdle = total, idle

	if deltaTotal == 0 {
		return 0, nil
	}
	busy := float64(deltaTotal-deltaIdle) / float64(deltaTotal)
	return busy * 100, nil
}

func sampleMemory() (float64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var total, available float64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			total = parseMeminfoKB(line)
		case strings.HasPrefix(line, "MemAvailable:"):
			available = parseMeminfoKB(line)
		}
	}
	if total == 0 {
		return 0, fmt.Errorf("resourcemon: MemTotal not found in /proc/meminfo")
	}
	return (total - available) / total * 100, nil
}

func parseMeminfoKB(line string) float64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, _ := strconv.ParseFloat(fields[1], 64)
	return v
}

// RuntimeMemSampler is a portable fallback that needs no /proc access: CPU
// is always reported 0 (this process alone cannot see system-wide CPU
// without platform-specific syscalls), and memory utilization is the Go
// runtime's own heap-in-use ratio against its configured soft memory limit
// — a coarse proxy, not system memory, but finite and normalizable like any
// other feature input.
type RuntimeMemSampler struct{}

func (RuntimeMemSampler) Sample() (float64, float64, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	limit := debug.SetMemoryLimit(-1) // -1 queries without changing it
	if limit <= 0 || limit == 1<<63-1 {
		return 0, 0, nil
	}
	pct := float64(ms.HeapInuse) / float64(limit) * 100
	if pct > 100 {
		pct = 100
	}
	return 0, pct, nil
}
