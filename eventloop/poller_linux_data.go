//go:build linux

package eventloop

import "golang.org/x/sys/unix"

// setEpollData/epollDataID store our own handle id in the event's fd slot
// instead of the real fd: epoll_wait only needs to hand us back a key we
// can look up in l.handles, and the real fd already lives there.
func setEpollData(ev *unix.EpollEvent, id int) {
	ev.Fd = int32(id)
}

func epollDataID(ev *unix.EpollEvent) int {
	return int(ev.Fd)
}
