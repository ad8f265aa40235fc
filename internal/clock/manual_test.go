package clock

import (
	"testing"
	"time"
)

func TestManual_AfterFuncOrderAndCancel(t *testing.T) {
	t.Parallel()

	start := time.Unix(1000, 0)
	m := NewManual(start)

	var order []string
	m.AfterFunc(2*time.Second, func() { order = append(order, "b") })
	m.AfterFunc(1*time.Second, func() { order = append(order, "a") })
	canceled := m.AfterFunc(3*time.Second, func() { order = append(order, "c") })

	if !canceled.Cancel() {
		t.Fatalf("Cancel: want true for pending task")
	}
	if canceled.Cancel() {
		t.Fatalf("Cancel: want false for already-canceled task")
	}

	m.Advance(5 * time.Second)

	if got, want := len(order), 2; got != want {
		t.Fatalf("ran %d tasks, want %d (%v)", got, want, order)
	}
	if order[0] != "a" || order[1] != "b" {
		t.Fatalf("order=%v, want [a b]", order)
	}
	if got := m.Now(); !got.Equal(start.Add(5 * time.Second)) {
		t.Fatalf("Now=%v, want %v", got, start.Add(5*time.Second))
	}
}

func TestManual_TickerDeliversDueTicks(t *testing.T) {
	t.Parallel()

	m := NewManual(time.Unix(0, 0))
	tk := m.NewTicker(10 * time.Second)

	m.Advance(35 * time.Second)

	got := 0
	for {
		select {
		case <-tk.C():
			got++
			continue
		default:
		}
		break
	}
	if got != 3 {
		t.Fatalf("ticks=%d, want 3", got)
	}

	tk.Stop()
	m.Advance(30 * time.Second)
	select {
	case <-tk.C():
		t.Fatalf("tick after Stop")
	default:
	}
}

func TestManual_TaskScheduledDuringAdvanceRuns(t *testing.T) {
	t.Parallel()

	m := NewManual(time.Unix(0, 0))
	ran := false
	m.AfterFunc(time.Second, func() {
		m.AfterFunc(time.Second, func() { ran = true })
	})

	m.Advance(5 * time.Second)
	if !ran {
		t.Fatalf("nested task did not run")
	}
}
