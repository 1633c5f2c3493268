package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/roostd/roost/internal/gateway"
)

func okHandler(context.Context, json.RawMessage) gateway.InvokeResult {
	return gateway.OK(map[string]bool{"ok": true})
}

func TestDispatchUnknownCommandIsInvalidRequest(t *testing.T) {
	r := NewRegistry(nil, zerolog.Nop())
	res := r.Dispatch(gateway.InvokeRequest{ID: "1", Command: "no.such.command"})
	if res.Err == nil || res.Err.Code != gateway.ErrCodeInvalidRequest {
		t.Fatalf("result = %+v, want INVALID_REQUEST", res.Err)
	}
}

func TestForegroundGatingBlocksCanvasButNotSnapshot(t *testing.T) {
	foreground := false
	r := NewRegistry(func() bool { return foreground }, zerolog.Nop())
	r.Register("canvas.present", okHandler)
	r.Register("screen.snapshot", okHandler)
	r.Register("screen.record", okHandler)
	r.Register("device.notify.post", okHandler)

	// Backgrounded: canvas and screen commands are rejected...
	res := r.Dispatch(gateway.InvokeRequest{Command: "canvas.present"})
	if res.Err == nil || res.Err.Code != gateway.ErrCodeBackgroundUnavailable {
		t.Fatalf("canvas.present backgrounded = %+v, want BACKGROUND_UNAVAILABLE", res.Err)
	}
	if res := r.Dispatch(gateway.InvokeRequest{Command: "screen.record"}); res.Err == nil || res.Err.Code != gateway.ErrCodeBackgroundUnavailable {
		t.Fatalf("screen.record backgrounded = %+v, want BACKGROUND_UNAVAILABLE", res.Err)
	}

	// ...except the read-only snapshot, and commands outside those namespaces.
	if res := r.Dispatch(gateway.InvokeRequest{Command: "screen.snapshot"}); res.Err != nil {
		t.Fatalf("screen.snapshot backgrounded = %+v, want success", res.Err)
	}
	if res := r.Dispatch(gateway.InvokeRequest{Command: "device.notify.post"}); res.Err != nil {
		t.Fatalf("device.notify.post backgrounded = %+v, want success", res.Err)
	}

	foreground = true
	if res := r.Dispatch(gateway.InvokeRequest{Command: "canvas.present"}); res.Err != nil {
		t.Fatalf("canvas.present foregrounded = %+v, want success", res.Err)
	}
}

func TestDispatchRecoversFromPanickingHandler(t *testing.T) {
	r := NewRegistry(nil, zerolog.Nop())
	r.Register("boom", func(context.Context, json.RawMessage) gateway.InvokeResult {
		panic("handler bug")
	})

	res := r.Dispatch(gateway.InvokeRequest{Command: "boom"})
	if res.Err == nil || res.Err.Code != gateway.ErrCodeUnavailable {
		t.Fatalf("result = %+v, want UNAVAILABLE after panic", res.Err)
	}
}

func TestRegistryCommandsSorted(t *testing.T) {
	r := NewRegistry(nil, zerolog.Nop())
	r.Register("screen.snapshot", okHandler)
	r.Register("canvas.a2ui.push", okHandler)
	r.Register("device.notify.post", okHandler)

	cmds := r.Commands()
	want := []string{"canvas.a2ui.push", "device.notify.post", "screen.snapshot"}
	if len(cmds) != len(want) {
		t.Fatalf("commands = %v", cmds)
	}
	for i := range want {
		if cmds[i] != want[i] {
			t.Fatalf("commands = %v, want %v", cmds, want)
		}
	}
}

// stubHost is a minimal rendering host for wiring tests.
type stubHost struct{}

func (stubHost) Ready(context.Context) bool                               { return true }
func (stubHost) Navigate(context.Context, string) error                  { return nil }
func (stubHost) ApplyMessages(context.Context, []json.RawMessage) error  { return nil }
func (stubHost) Reset(context.Context) error                             { return nil }
func (stubHost) Hide(context.Context) error                              { return nil }
func (stubHost) Eval(context.Context, string) (json.RawMessage, error)   { return json.RawMessage(`"ok"`), nil }
func (stubHost) Snapshot(context.Context) ([]byte, error)                { return []byte{0x89, 0x50}, nil }

func TestAdvertisedCommandSurface(t *testing.T) {
	o := New(Options{
		CanvasHost: stubHost{},
		CanvasURL:  "http://127.0.0.1/canvas",
		Log:        zerolog.Nop(),
	})

	got := o.Registry().Commands()
	want := []string{
		"app.media.launch",
		"app.media.stop",
		"canvas.a2ui.push",
		"canvas.a2ui.pushJSONL",
		"canvas.a2ui.reset",
		"canvas.eval",
		"canvas.hide",
		"canvas.navigate",
		"canvas.present",
		"canvas.snapshot",
		"device.notify.clear",
		"device.notify.post",
		"screen.record",
		"screen.requestPermission",
		"screen.snapshot",
	}
	if len(got) != len(want) {
		t.Fatalf("commands = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("commands[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestCanvasCommandsValidateParams(t *testing.T) {
	o := New(Options{
		CanvasHost: stubHost{},
		CanvasURL:  "http://127.0.0.1/canvas",
		Log:        zerolog.Nop(),
	})
	r := o.Registry()

	if res := r.Dispatch(gateway.InvokeRequest{Command: "canvas.navigate", Params: json.RawMessage(`{}`)}); res.Err == nil || res.Err.Code != gateway.ErrCodeInvalidRequest {
		t.Fatalf("navigate without url = %+v, want INVALID_REQUEST", res.Err)
	}
	if res := r.Dispatch(gateway.InvokeRequest{Command: "canvas.navigate", Params: json.RawMessage(`{"url":"https://example.com"}`)}); res.Err != nil {
		t.Fatalf("navigate = %+v, want success", res.Err)
	}
	if res := r.Dispatch(gateway.InvokeRequest{Command: "canvas.eval", Params: json.RawMessage(`{}`)}); res.Err == nil || res.Err.Code != gateway.ErrCodeInvalidRequest {
		t.Fatalf("eval without script = %+v, want INVALID_REQUEST", res.Err)
	}
	if res := r.Dispatch(gateway.InvokeRequest{Command: "canvas.snapshot"}); res.Err != nil || res.Payload == nil {
		t.Fatalf("snapshot = %+v", res)
	}
}

func TestConfigSyncCoalescesRapidEdits(t *testing.T) {
	var mu sync.Mutex
	var pushes [][]string
	cs := NewConfigSync(40*time.Millisecond, func(words []string) {
		mu.Lock()
		pushes = append(pushes, words)
		mu.Unlock()
	})

	cs.UpdateLocal([]string{"hey"})
	cs.UpdateLocal([]string{"hey", "roost"})
	cs.UpdateLocal([]string{"hey", "roost", "now"})

	time.Sleep(120 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(pushes) != 1 {
		t.Fatalf("pushes = %d, want 1 coalesced push", len(pushes))
	}
	if len(pushes[0]) != 3 || pushes[0][2] != "now" {
		t.Fatalf("pushed stale value: %v", pushes[0])
	}
}

func TestConfigSyncRemoteUpdateDoesNotBounceBack(t *testing.T) {
	var mu sync.Mutex
	pushCount := 0
	cs := NewConfigSync(30*time.Millisecond, func([]string) {
		mu.Lock()
		pushCount++
		mu.Unlock()
	})

	// The apply callback mirrors the remote value into local state, as a
	// settings UI would; the guard must keep that from scheduling a push.
	cs.ApplyRemote([]string{"server", "words"}, func(words []string) {
		cs.UpdateLocal(words)
	})

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if pushCount != 0 {
		t.Fatalf("remote update bounced back as %d push(es)", pushCount)
	}
	if got := cs.Words(); len(got) != 2 || got[0] != "server" {
		t.Fatalf("words = %v", got)
	}
}

func TestConfigSyncRemoteCancelsPendingLocalPush(t *testing.T) {
	var mu sync.Mutex
	pushCount := 0
	cs := NewConfigSync(50*time.Millisecond, func([]string) {
		mu.Lock()
		pushCount++
		mu.Unlock()
	})

	cs.UpdateLocal([]string{"local"})
	cs.ApplyRemote([]string{"remote"}, nil)

	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if pushCount != 0 {
		t.Fatal("remote update must cancel the pending local push")
	}
}

func TestAggregateStatus(t *testing.T) {
	cases := []struct {
		op, node    gateway.State
		wantOverall string
	}{
		{gateway.StateConnected, gateway.StateConnected, StatusConnected},
		{gateway.StateConnected, gateway.StateDisconnected, StatusDegraded},
		{gateway.StateDisconnected, gateway.StateConnected, StatusDegraded},
		{gateway.StateConnecting, gateway.StateDisconnected, StatusConnecting},
		{gateway.StateDisconnected, gateway.StateDisconnected, StatusDisconnected},
	}
	for _, tc := range cases {
		got := aggregateStatus(tc.op, tc.node, "gw:1")
		if got.Overall != tc.wantOverall {
			t.Errorf("aggregate(%s, %s) = %s, want %s", tc.op, tc.node, got.Overall, tc.wantOverall)
		}
	}

	// Degraded status names the side that is down.
	nodeDown := aggregateStatus(gateway.StateConnected, gateway.StateDisconnected, "")
	opDown := aggregateStatus(gateway.StateDisconnected, gateway.StateConnected, "")
	if nodeDown.Detail == opDown.Detail {
		t.Fatal("degraded details must distinguish which session is down")
	}
}

func TestStatusStreamDeliversCurrentOnSubscribe(t *testing.T) {
	st := NewStatusStream()
	st.Publish(Status{Overall: StatusConnected})

	recv := st.Subscribe(4)
	defer recv.Close()

	select {
	case s := <-recv.C:
		if s.Overall != StatusConnected {
			t.Fatalf("initial status = %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("no initial status delivered")
	}

	st.Publish(Status{Overall: StatusDegraded})
	select {
	case s := <-recv.C:
		if s.Overall != StatusDegraded {
			t.Fatalf("update = %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("no update delivered")
	}
}

func TestStatusStreamDropsClosedSubscribers(t *testing.T) {
	st := NewStatusStream()
	recv := st.Subscribe(1)
	recv.Close()

	// Publishing after close must not panic or block.
	st.Publish(Status{Overall: StatusConnected})
	if got := st.Current().Overall; got != StatusConnected {
		t.Fatalf("current = %s", got)
	}
}

func TestStatusStreamPublishRacesReceiverClose(t *testing.T) {
	st := NewStatusStream()

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		recv := st.Subscribe(1)
		wg.Add(2)
		go func() {
			defer wg.Done()
			recv.Close()
		}()
		go func() {
			defer wg.Done()
			st.Publish(Status{Overall: StatusConnecting})
		}()
	}
	wg.Wait()

	st.Publish(Status{Overall: StatusConnected})
	if got := st.Current().Overall; got != StatusConnected {
		t.Fatalf("current = %s", got)
	}
}

func TestStatusStreamClosesChannelAfterReceiverClose(t *testing.T) {
	st := NewStatusStream()
	recv := st.Subscribe(1)
	recv.Close()

	// The next publish prunes the subscriber and closes its channel, so a
	// consumer draining recv.C terminates instead of blocking forever.
	st.Publish(Status{Overall: StatusConnected})

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-recv.C:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("delivery channel never closed after receiver close")
		}
	}
}
