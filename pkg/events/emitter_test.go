package events

import "testing"

func TestOnEmitOff(t *testing.T) {
	e := New()
	var got []any
	id := e.On(Message, func(payload any) { got = append(got, payload) })

	e.Emit(Message, "one")
	e.Emit(Typing, "ignored")
	e.Emit(Message, "two")
	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Fatalf("handler calls: %+v", got)
	}

	e.Off(Message, id)
	e.Emit(Message, "three")
	if len(got) != 2 {
		t.Fatalf("handler fired after Off: %+v", got)
	}
}

func TestEmitSwallowsHandlerPanic(t *testing.T) {
	e := New()
	called := false
	e.On(Message, func(any) { panic("bad host callback") })
	e.On(Message, func(any) { called = true })

	e.Emit(Message, nil) // must not panic
	if !called {
		t.Fatal("second handler skipped after panic in first")
	}
}

func TestOffUnknownIsNoOp(t *testing.T) {
	e := New()
	e.Off(Message, 42)
	e.Emit(Message, nil)
}

func TestRemoveAll(t *testing.T) {
	e := New()
	fired := 0
	e.On(Message, func(any) { fired++ })
	e.On(QueueFlushed, func(any) { fired++ })
	e.RemoveAll()
	e.Emit(Message, nil)
	e.Emit(QueueFlushed, nil)
	if fired != 0 {
		t.Fatalf("handlers fired after RemoveAll: %d", fired)
	}
}
