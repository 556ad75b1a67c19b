package ports

import "context"

// SystemSnapshot is what a Probe reads from the operating system.
type SystemSnapshot struct {
	MemoryUsage      uint64
	MemoryTotalUsage uint64
	MemorySize       uint64
	CPUs             int
	Threads          int
	CPUUsage         [3]float64
	BytesReceived    uint64
	BytesSent        uint64
}

// Probe collects process and host resource usage. Implementations may block
// on syscalls or procfs reads and must not be called under a lock.
type Probe interface {
	Probe(ctx context.Context) (SystemSnapshot, error)
}
