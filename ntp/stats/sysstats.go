/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package stats

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/process"
)

var procStartTime = time.Now()

// SysStats samples resource usage of the daemon process
type SysStats struct {
	proc     *process.Process
	lastGC   uint32
	lastRead time.Time
}

// NewSysStats returns SysStats of the running process
func NewSysStats() (*SysStats, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &SysStats{proc: proc}, nil
}

// Collect gathers process and go runtime statistics
func (s *SysStats) Collect() map[string]int64 {
	stats := make(map[string]int64)
	stats["process.uptime"] = int64(time.Since(procStartTime).Seconds())

	if val, err := s.proc.Percent(0); err == nil {
		stats["process.cpu_pct"] = int64(val * 100)
	}
	if val, err := s.proc.MemoryInfo(); err == nil {
		stats["process.rss"] = int64(val.RSS)
		stats["process.vms"] = int64(val.VMS)
	}
	if val, err := s.proc.NumFDs(); err == nil {
		stats["process.num_fds"] = int64(val)
	}
	if val, err := s.proc.NumThreads(); err == nil {
		stats["process.num_threads"] = int64(val)
	}

	m := &runtime.MemStats{}
	runtime.ReadMemStats(m)
	stats["runtime.cpu.goroutines"] = int64(runtime.NumGoroutine())
	stats["runtime.mem.alloc"] = int64(m.Alloc)
	stats["runtime.mem.sys"] = int64(m.Sys)
	stats["runtime.mem.heap.inuse"] = int64(m.HeapInuse)
	stats["runtime.mem.heap.objects"] = int64(m.HeapObjects)
	stats["runtime.mem.gc.pause_total"] = int64(m.PauseTotalNs)
	stats["runtime.mem.gc.count"] = int64(m.NumGC)
	if !s.lastRead.IsZero() && m.NumGC >= s.lastGC {
		stats["runtime.mem.gc.count.diff"] = int64(m.NumGC - s.lastGC)
	}
	s.lastGC = m.NumGC
	s.lastRead = time.Now()
	return stats
}

// CollectSysStats stores process statistics as counters
func (s *Stats) CollectSysStats(sys *SysStats) {
	for k, v := range sys.Collect() {
		s.SetCounter(k, v)
	}
}
