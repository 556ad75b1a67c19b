package sysstats

import (
	"context"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/ghalamif/fleetlog/internal/ports"
)

// Probe reads resource usage of the current process and its host through
// gopsutil.
type Probe struct {
	proc *process.Process
}

func New() (*Probe, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, errors.Wrap(err, "open self process")
	}
	return &Probe{proc: p}, nil
}

// Probe returns whatever could be read. Fields whose source failed are left
// zero and the failures are combined into the returned error.
func (p *Probe) Probe(ctx context.Context) (ports.SystemSnapshot, error) {
	var (
		snap ports.SystemSnapshot
		errs error
	)

	if mi, err := p.proc.MemoryInfoWithContext(ctx); err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "process memory"))
	} else {
		snap.MemoryUsage = mi.RSS
	}
	if n, err := p.proc.NumThreadsWithContext(ctx); err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "process threads"))
	} else {
		snap.Threads = int(n)
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "virtual memory"))
	} else {
		snap.MemoryTotalUsage = vm.Used
		snap.MemorySize = vm.Total
	}
	if n, err := cpu.CountsWithContext(ctx, true); err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "cpu count"))
	} else {
		snap.CPUs = n
	}
	if avg, err := load.AvgWithContext(ctx); err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "load average"))
	} else {
		snap.CPUUsage = [3]float64{avg.Load1, avg.Load5, avg.Load15}
	}
	if io, err := net.IOCountersWithContext(ctx, false); err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "network counters"))
	} else if len(io) > 0 {
		snap.BytesReceived = io[0].BytesRecv
		snap.BytesSent = io[0].BytesSent
	}
	return snap, errs
}

var _ ports.Probe = (*Probe)(nil)
