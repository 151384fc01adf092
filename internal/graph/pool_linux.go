package graph

import (
	"golang.org/x/sys/unix"
)

// mixerThreadNice is the nice value requested for locked mixer threads.
// Raising priority needs CAP_SYS_NICE, so failure is silently ignored.
const mixerThreadNice = -10

func raiseThreadPriority() {
	_ = unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), mixerThreadNice)
}
