// bus/cmd/selftest/main.go
//
// On-device smoke test for the message bus: basic pub/sub, retained
// delivery, wildcards and request/reply, reported over USB serial. Flash it
// when a toolchain or runtime bump makes channel behaviour suspect.
//go:build rp2040 || rp2350

package main

import (
	"context"
	"sort"
	"time"

	"machine"

	"captouch-go/bus"
	"captouch-go/x/conv"
)

func logPass(name string, ok bool) {
	if ok {
		println("PASS", name)
	} else {
		println("FAIL", name)
	}
}

func logCount(label string, n int) {
	var buf [20]byte
	println(label, string(conv.Itoa(buf[:], int64(n))))
}

// --- helpers ------------------------------------------------------------------

func expectPayload(sub *bus.Subscription, want string, timeout time.Duration) bool {
	select {
	case got := <-sub.Channel():
		s, ok := got.Payload.(string)
		return ok && s == want
	case <-time.After(timeout):
		return false
	}
}

func expectNoMessage(sub *bus.Subscription, timeout time.Duration) bool {
	select {
	case <-sub.Channel():
		return false
	case <-time.After(timeout):
		return true
	}
}

func drainPayloads(sub *bus.Subscription, n int, deadline time.Time) ([]string, bool) {
	var out []string
	for len(out) < n && time.Now().Before(deadline) {
		select {
		case m := <-sub.Channel():
			s, ok := m.Payload.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		case <-time.After(10 * time.Millisecond):
		}
	}
	return out, len(out) == n
}

func unorderedEqual(got, want []string) bool {
	sort.Strings(got)
	sort.Strings(want)
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// --- individual tests -----------------------------------------------------------

func testBasicPubSub(b *bus.Bus) bool {
	pub := b.NewConnection("st-pub")
	subC := b.NewConnection("st-sub")
	sub := subC.Subscribe(bus.T("st", "basic"))
	defer subC.Unsubscribe(sub)

	pub.Publish(pub.NewMessage(bus.T("st", "basic"), "hello", false))
	return expectPayload(sub, "hello", time.Second)
}

func testRetained(b *bus.Bus) bool {
	pub := b.NewConnection("st-ret-pub")
	pub.Publish(pub.NewMessage(bus.T("st", "retained"), "sticky", true))

	late := b.NewConnection("st-ret-sub")
	sub := late.Subscribe(bus.T("st", "retained"))
	defer late.Unsubscribe(sub)
	return expectPayload(sub, "sticky", time.Second)
}

func testWildcards(b *bus.Bus) bool {
	pub := b.NewConnection("st-wc-pub")
	subC := b.NewConnection("st-wc-sub")
	one := subC.Subscribe(bus.T("st", "wc", bus.WildOne))
	rest := subC.Subscribe(bus.T("st", bus.WildRest))
	defer subC.Unsubscribe(one)
	defer subC.Unsubscribe(rest)

	pub.Publish(pub.NewMessage(bus.T("st", "wc", "a"), "a", false))
	pub.Publish(pub.NewMessage(bus.T("st", "wc", "b"), "b", false))
	pub.Publish(pub.NewMessage(bus.T("st", "deep", "x", "y"), "deep", false))

	got, ok := drainPayloads(one, 2, time.Now().Add(time.Second))
	if !ok || !unorderedEqual(got, []string{"a", "b"}) {
		return false
	}
	got, ok = drainPayloads(rest, 3, time.Now().Add(time.Second))
	if !ok || !unorderedEqual(got, []string{"a", "b", "deep"}) {
		return false
	}
	return expectNoMessage(one, 100*time.Millisecond)
}

func testRequestReply(b *bus.Bus) bool {
	srv := b.NewConnection("st-rr-srv")
	reqSub := srv.Subscribe(bus.T("st", "rr", "control", "ping"))
	defer srv.Unsubscribe(reqSub)
	go func() {
		for m := range reqSub.Channel() {
			srv.Reply(m, "pong", false)
		}
	}()

	cli := b.NewConnection("st-rr-cli")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	rep, err := cli.RequestWait(ctx, cli.NewMessage(bus.T("st", "rr", "control", "ping"), "ping", false))
	if err != nil {
		return false
	}
	s, ok := rep.Payload.(string)
	return ok && s == "pong"
}

func main() {
	time.Sleep(2 * time.Second)
	println("[selftest] bus smoke test")

	led := machine.LED
	led.Configure(machine.PinConfig{Mode: machine.PinOutput})

	b := bus.NewBus(8)
	tests := []struct {
		name string
		fn   func(*bus.Bus) bool
	}{
		{"basic_pubsub", testBasicPubSub},
		{"retained", testRetained},
		{"wildcards", testWildcards},
		{"request_reply", testRequestReply},
	}

	failed := 0
	for _, tc := range tests {
		ok := tc.fn(b)
		logPass(tc.name, ok)
		if !ok {
			failed++
		}
	}
	logCount("[selftest] failures:", failed)

	// Solid LED on full pass; blink on failure.
	for {
		if failed == 0 {
			led.High()
			time.Sleep(time.Hour)
			continue
		}
		led.High()
		time.Sleep(150 * time.Millisecond)
		led.Low()
		time.Sleep(150 * time.Millisecond)
	}
}
