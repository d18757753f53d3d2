package process

import (
	gopsprocess "github.com/shirou/gopsutil/v3/process"

	"github.com/gaffer-run/gaffer/pkg/types"
)

// maxChildDepth bounds the recursive children walk in snapshot, since a
// misbehaving tree (or a pid-reuse cycle under heavy churn) should never
// make a single info() call unbounded.
const maxChildDepth = 4

func snapshot(pid int) (types.ProcessStatus, error) {
	proc, err := gopsprocess.NewProcess(int32(pid))
	if err != nil {
		return types.ProcessStatus{}, err
	}
	return snapshotAt(proc, 0), nil
}

func snapshotAt(proc *gopsprocess.Process, depth int) types.ProcessStatus {
	cpuPct, _ := proc.CPUPercent()
	memPct, _ := proc.MemoryPercent()
	meminfo, _ := proc.MemoryInfo()
	ctime, _ := proc.CreateTime()
	username, _ := proc.Username()
	nice, _ := proc.Nice()
	cmdline, _ := proc.CmdlineSlice()

	status := types.ProcessStatus{
		OSPid:      int(proc.Pid),
		CPUPercent: cpuPct,
		MemPercent: memPct,
		CreateTime: ctime,
		Username:   username,
		Nice:       nice,
		Cmdline:    cmdline,
	}
	if meminfo != nil {
		status.MemRSS = meminfo.RSS
		status.MemVMS = meminfo.VMS
	}

	if depth >= maxChildDepth {
		return status
	}
	children, err := proc.Children()
	if err != nil {
		return status
	}
	for _, child := range children {
		status.Children = append(status.Children, snapshotAt(child, depth+1))
	}
	return status
}
