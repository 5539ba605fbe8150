package httpserver

import (
	"strings"
	"testing"
)

func TestEventString(t *testing.T) {
	cases := map[Event]string{
		0:                                   "none",
		EventRequest:                        "request",
		EventProgress | EventSent:           "progress|sent",
		EventConnection | EventError:        "connection|error",
		EventSent | EventClose | EventError: "sent|close|error",
	}
	for ev, want := range cases {
		if got := ev.String(); got != want {
			t.Fatalf("%d: expected %q, got %q", ev, want, got)
		}
	}
}

func TestEventBounds(t *testing.T) {
	ev := EventRequest | EventSent | EventClose
	if ev.lowest() != EventRequest {
		t.Fatalf("unexpected lowest %s", ev.lowest())
	}
	if ev.highest() != EventClose {
		t.Fatalf("unexpected highest %s", ev.highest())
	}
	if EventError.lowest() != EventError || EventError.highest() != EventError {
		t.Fatalf("single bit bounds wrong")
	}
}

func TestParseMethod(t *testing.T) {
	cases := map[string]Method{
		"GET":    MethodGet,
		"HEAD":   MethodGet,
		"POST":   MethodPost,
		"DELETE": MethodOther,
		"get":    MethodOther,
	}
	for in, want := range cases {
		if got := parseMethod(in); got != want {
			t.Fatalf("%s: expected %s, got %s", in, want, got)
		}
	}
}

func TestContentType(t *testing.T) {
	if got := contentType("/app.js", true, nil); !strings.Contains(got, "javascript") {
		t.Fatalf("unexpected js type %q", got)
	}
	if got := contentType("/", false, []byte("<!DOCTYPE html><html></html>")); got != "text/html; charset=utf-8" {
		t.Fatalf("unexpected sniffed type %q", got)
	}
	if got := contentType("/led", false, []byte("Led toggled!")); got != "text/plain; charset=utf-8" {
		t.Fatalf("unexpected plain type %q", got)
	}
}
