package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

// Snapshot is a JSON document of task and host metrics. A failed
// collection is reported as {"error": "..."}.
type Snapshot map[string]any

const fqdnTimeout = 500 * time.Millisecond

type stepError struct {
	step  string
	err   error
	stack []byte
}

// collector records metrics until the first failure. Metrics the platform
// does not implement are left out.
type collector struct {
	fail *stepError
}

func (c *collector) failed(step string, err error) {
	if c.fail == nil {
		c.fail = &stepError{step: step, err: err, stack: debug.Stack()}
	}
}

func notImplemented(err error) bool {
	return err != nil && strings.Contains(err.Error(), "not implemented")
}

// add stores the value of f under key in out.
func add[T any](c *collector, out map[string]any, key string, f func() (T, error)) {
	if c.fail != nil {
		return
	}
	v, err := f()
	switch {
	case err == nil:
		out[key] = v
	case notImplemented(err):
	default:
		c.failed(key, err)
	}
}

// maybe is add for metrics that legitimately fail in restricted
// environments, such as a uid without a passwd entry.
func maybe[T any](out map[string]any, key string, f func() (T, error)) {
	if v, err := f(); err == nil {
		out[key] = v
	}
}

// CollectResources returns a best-effort snapshot of the task process pid
// and of the host. It never returns an error and never panics.
func CollectResources(ctx context.Context, pid int) Snapshot {
	return collect(func(c *collector) Snapshot {
		task := collectTask(ctx, c, pid)
		var hostInfo map[string]any
		if c.fail == nil {
			hostInfo = collectHost(ctx, c)
		}
		return Snapshot{"task": task, "host": hostInfo}
	})
}

// collect replaces what gather returns by a single error entry once a
// metric has failed or gather has panicked.
func collect(gather func(*collector) Snapshot) (snap Snapshot) {
	var c collector
	defer func() {
		if r := recover(); r != nil {
			snap = Snapshot{"error": fmt.Sprintf("panic: %v\n%s", r, debug.Stack())}
		}
	}()

	snap = gather(&c)
	if c.fail != nil {
		return Snapshot{"error": fmt.Sprintf("%s: %v\n%s", c.fail.step, c.fail.err, c.fail.stack)}
	}
	return snap
}

func collectTask(ctx context.Context, c *collector, pid int) map[string]any {
	out := map[string]any{"pid": pid}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		c.failed("process", err)
		return out
	}

	add(c, out, "ppid", func() (int32, error) { return p.PpidWithContext(ctx) })
	add(c, out, "name", func() (string, error) { return p.NameWithContext(ctx) })
	add(c, out, "exe", func() (string, error) { return p.ExeWithContext(ctx) })
	add(c, out, "cmdline", func() ([]string, error) { return p.CmdlineSliceWithContext(ctx) })
	add(c, out, "environ", func() ([]string, error) { return p.EnvironWithContext(ctx) })
	add(c, out, "create_time", func() (int64, error) { return p.CreateTimeWithContext(ctx) })
	add(c, out, "status", func() (string, error) { return State(ctx, pid) })
	add(c, out, "cwd", func() (string, error) { return p.CwdWithContext(ctx) })
	maybe(out, "username", func() (string, error) { return p.UsernameWithContext(ctx) })
	add(c, out, "uids", func() ([]uint32, error) { return p.UidsWithContext(ctx) })
	add(c, out, "gids", func() ([]uint32, error) { return p.GidsWithContext(ctx) })
	maybe(out, "terminal", func() (string, error) { return p.TerminalWithContext(ctx) })
	add(c, out, "nice", func() (int32, error) { return p.NiceWithContext(ctx) })
	add(c, out, "ionice", func() (int32, error) { return p.IOniceWithContext(ctx) })
	add(c, out, "rlimits", func() ([]process.RlimitStat, error) { return p.RlimitWithContext(ctx) })
	maybe(out, "io_counters", func() (*process.IOCountersStat, error) { return p.IOCountersWithContext(ctx) })
	add(c, out, "num_ctx_switches", func() (*process.NumCtxSwitchesStat, error) { return p.NumCtxSwitchesWithContext(ctx) })
	add(c, out, "num_fds", func() (int32, error) { return p.NumFDsWithContext(ctx) })
	add(c, out, "num_threads", func() (int32, error) { return p.NumThreadsWithContext(ctx) })
	add(c, out, "threads", func() (map[int32]*cpu.TimesStat, error) { return p.ThreadsWithContext(ctx) })
	add(c, out, "cpu_percent", func() (float64, error) { return p.CPUPercentWithContext(ctx) })
	add(c, out, "cpu_times", func() (*cpu.TimesStat, error) { return p.TimesWithContext(ctx) })
	add(c, out, "cpu_affinity", func() ([]int32, error) { return p.CPUAffinityWithContext(ctx) })
	add(c, out, "memory_info", func() (*process.MemoryInfoStat, error) { return p.MemoryInfoWithContext(ctx) })
	add(c, out, "memory_percent", func() (float32, error) { return p.MemoryPercentWithContext(ctx) })
	maybe(out, "memory_maps", func() (*[]process.MemoryMapsStat, error) { return p.MemoryMapsWithContext(ctx, true) })
	maybe(out, "open_files", func() ([]process.OpenFilesStat, error) { return p.OpenFilesWithContext(ctx) })
	maybe(out, "connections", func() ([]psnet.ConnectionStat, error) { return p.ConnectionsWithContext(ctx) })
	return out
}

func collectHost(ctx context.Context, c *collector) map[string]any {
	out := map[string]any{}

	add(c, out, "hostname", os.Hostname)
	out["fqdn"] = fqdn(ctx, out["hostname"])
	maybe(out, "info", func() (*host.InfoStat, error) { return host.InfoWithContext(ctx) })
	maybe(out, "load_avg", func() (*load.AvgStat, error) { return load.AvgWithContext(ctx) })

	add(c, out, "cpu_percent", func() ([]float64, error) { return cpu.PercentWithContext(ctx, 0, true) })
	add(c, out, "cpu_times", func() ([]cpu.TimesStat, error) { return cpu.TimesWithContext(ctx, true) })
	add(c, out, "cpu_count", func() (int, error) { return cpu.CountsWithContext(ctx, true) })
	maybe(out, "cpu_count_physical", func() (int, error) { return cpu.CountsWithContext(ctx, false) })

	add(c, out, "swap_memory", func() (map[string]any, error) {
		swap, err := mem.SwapMemoryWithContext(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"stat":              swap,
			"remaining_percent": remainingPercent(swap.Free, swap.Total),
		}, nil
	})
	add(c, out, "virtual_memory", func() (map[string]any, error) {
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"stat":              vm,
			"remaining_percent": remainingPercent(vm.Available, vm.Total),
		}, nil
	})

	add(c, out, "disk_partitions", func() ([]disk.PartitionStat, error) { return disk.PartitionsWithContext(ctx, false) })
	if parts, ok := out["disk_partitions"].([]disk.PartitionStat); ok {
		usage := make(map[string]*disk.UsageStat, len(parts))
		for _, part := range parts {
			u, err := disk.UsageWithContext(ctx, part.Mountpoint)
			if err != nil {
				if !errors.Is(err, fs.ErrPermission) && !notImplemented(err) {
					c.failed("disk_usage "+part.Mountpoint, err)
				}
				continue
			}
			usage[part.Mountpoint] = u
		}
		out["disk_usage"] = usage
	}
	maybe(out, "disk_io_counters", func() (map[string]disk.IOCountersStat, error) { return disk.IOCountersWithContext(ctx) })

	add(c, out, "net_io_counters", func() ([]psnet.IOCountersStat, error) { return psnet.IOCountersWithContext(ctx, true) })
	add(c, out, "net_interfaces", func() (psnet.InterfaceStatList, error) { return psnet.InterfacesWithContext(ctx) })
	return out
}

// remainingPercent is free/total in percent, 0 when total is 0.
func remainingPercent(free, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(free) / float64(total) * 100
}

func fqdn(ctx context.Context, hostname any) string {
	name, _ := hostname.(string)
	if name == "" {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, fqdnTimeout)
	defer cancel()
	cname, err := net.DefaultResolver.LookupCNAME(ctx, name)
	if err != nil || cname == "" {
		return name
	}
	return strings.TrimSuffix(cname, ".")
}
