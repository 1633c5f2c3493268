package capability

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/roostd/roost/internal/gateway"
)

func TestSnapshotRejectsMalformedParams(t *testing.T) {
	s := NewScreen(zerolog.Nop())
	res := s.Snapshot(json.RawMessage(`{"display":"zero"}`))
	if res.Err == nil || res.Err.Code != gateway.ErrCodeInvalidRequest {
		t.Fatalf("result = %+v, want INVALID_REQUEST", res.Err)
	}
}

func TestRecordIsUnavailable(t *testing.T) {
	s := NewScreen(zerolog.Nop())
	res := s.Record(nil)
	if res.Err == nil || res.Err.Code != gateway.ErrCodeUnavailable {
		t.Fatalf("result = %+v, want UNAVAILABLE", res.Err)
	}
}

type fakeNotifier struct {
	titles  []string
	cleared []string
	err     error
}

func (f *fakeNotifier) Notify(title, _ string) error {
	if f.err != nil {
		return f.err
	}
	f.titles = append(f.titles, title)
	return nil
}

func (f *fakeNotifier) Clear(id string) error {
	if f.err != nil {
		return f.err
	}
	f.cleared = append(f.cleared, id)
	return nil
}

func TestNotifyShowsThroughInjectedNotifier(t *testing.T) {
	fn := &fakeNotifier{}
	n := NewNotify(fn, zerolog.Nop())

	res := n.Show(json.RawMessage(`{"title":"ping","body":"hello"}`))
	if res.Err != nil {
		t.Fatalf("unexpected error: %+v", res.Err)
	}
	if len(fn.titles) != 1 || fn.titles[0] != "ping" {
		t.Fatalf("notifier calls = %v", fn.titles)
	}
}

func TestNotifyValidatesAndMapsFailures(t *testing.T) {
	n := NewNotify(&fakeNotifier{}, zerolog.Nop())
	if res := n.Show(json.RawMessage(`{}`)); res.Err == nil || res.Err.Code != gateway.ErrCodeInvalidRequest {
		t.Fatalf("empty notification: %+v", res.Err)
	}

	failing := NewNotify(&fakeNotifier{err: errors.New("dbus down")}, zerolog.Nop())
	if res := failing.Show(json.RawMessage(`{"title":"x"}`)); res.Err == nil || res.Err.Code != gateway.ErrCodeUnavailable {
		t.Fatalf("failing notifier: %+v", res.Err)
	}

	none := NewNotify(nil, zerolog.Nop())
	if res := none.Show(json.RawMessage(`{"title":"x"}`)); res.Err == nil || res.Err.Code != gateway.ErrCodeUnavailable {
		t.Fatalf("nil notifier: %+v", res.Err)
	}
}

func TestNotifyClearDismissesByID(t *testing.T) {
	fn := &fakeNotifier{}
	n := NewNotify(fn, zerolog.Nop())

	if res := n.Clear(json.RawMessage(`{"id":"toast-1"}`)); res.Err != nil {
		t.Fatalf("clear: %+v", res.Err)
	}
	if len(fn.cleared) != 1 || fn.cleared[0] != "toast-1" {
		t.Fatalf("cleared = %v", fn.cleared)
	}

	none := NewNotify(nil, zerolog.Nop())
	if res := none.Clear(nil); res.Err == nil || res.Err.Code != gateway.ErrCodeUnavailable {
		t.Fatalf("nil notifier: %+v", res.Err)
	}
}

type fakeMedia struct {
	actions []string
}

func (f *fakeMedia) Launch(uri string) error { f.actions = append(f.actions, "launch:"+uri); return nil }
func (f *fakeMedia) Stop() error             { f.actions = append(f.actions, "stop"); return nil }

func TestMediaLaunchAndStop(t *testing.T) {
	fm := &fakeMedia{}
	m := NewMedia(fm, zerolog.Nop())

	if res := m.Launch(json.RawMessage(`{"uri":"spotify:track:x"}`)); res.Err != nil {
		t.Fatalf("launch: %+v", res.Err)
	}
	if res := m.Stop(nil); res.Err != nil {
		t.Fatalf("stop: %+v", res.Err)
	}
	if len(fm.actions) != 2 || fm.actions[0] != "launch:spotify:track:x" || fm.actions[1] != "stop" {
		t.Fatalf("actions = %v", fm.actions)
	}

	if res := m.Launch(json.RawMessage(`{}`)); res.Err == nil || res.Err.Code != gateway.ErrCodeInvalidRequest {
		t.Fatalf("missing uri: %+v", res.Err)
	}
	none := NewMedia(nil, zerolog.Nop())
	if res := none.Stop(nil); res.Err == nil || res.Err.Code != gateway.ErrCodeUnavailable {
		t.Fatalf("nil controller: %+v", res.Err)
	}
}
