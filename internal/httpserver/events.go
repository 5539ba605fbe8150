package httpserver

import (
	"math/bits"
	"strings"
)

// Event is a bit mask of server events delivered to the callback. One
// delivery may carry several bits; they are listed here in the order a
// callback should handle them.
type Event uint16

const (
	// EventConnection: a connection is waiting to be accepted.
	EventConnection Event = 1 << iota
	// EventRequest: request headers were received.
	EventRequest
	// EventProgress: part of the submitted chunk was written.
	EventProgress
	// EventSent: the submitted chunk was fully written.
	EventSent
	// EventClose: the peer finished; the connection should be closed.
	EventClose
	// EventError: the connection or listener failed.
	EventError
)

var eventNames = []struct {
	ev   Event
	name string
}{
	{EventConnection, "connection"},
	{EventRequest, "request"},
	{EventProgress, "progress"},
	{EventSent, "sent"},
	{EventClose, "close"},
	{EventError, "error"},
}

func (e Event) String() string {
	if e == 0 {
		return "none"
	}
	var parts []string
	for _, n := range eventNames {
		if e&n.ev != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

func (e Event) lowest() Event  { return e & -e }
func (e Event) highest() Event { return Event(1) << (15 - bits.LeadingZeros16(uint16(e))) }

// Conn is an opaque connection handle. The zero value is the null handle.
type Conn uint16

// Method is the request method as far as the server distinguishes it.
type Method uint8

const (
	MethodOther Method = iota
	MethodGet
	MethodPost
)

func parseMethod(m string) Method {
	switch m {
	case "GET", "HEAD":
		return MethodGet
	case "POST":
		return MethodPost
	}
	return MethodOther
}

func (m Method) String() string {
	switch m {
	case MethodGet:
		return "GET"
	case MethodPost:
		return "POST"
	}
	return "OTHER"
}

// ResponseFlags select the response status and caching headers.
type ResponseFlags uint16

const (
	ResourceFound     ResponseFlags = 0
	ResourceNotFound  ResponseFlags = 1 << 0
	StaticResource    ResponseFlags = 1 << 1
	CacheableResource ResponseFlags = 1 << 2
)

// Callback receives server events. It runs on the goroutine calling Tick.
type Callback func(ev Event, conn Conn)
