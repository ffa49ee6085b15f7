// Package session runs a duplex byte stream over a connected descriptor
// handed over by bluetoothd.
//
// A Session owns one read goroutine, one write goroutine and a closer. The
// read goroutine blocks in epoll on two descriptors: the stream itself and an
// eventfd that Stop writes to. The write goroutine sends one payload per tick.
// Whichever loop ends first requests stop for the whole session; the closer
// waits for both loops, then releases the eventfd, the epoll instance and the
// stream descriptor in that order.
package session
