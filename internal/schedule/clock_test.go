package schedule

import (
	"math"
	"testing"
	"time"
)

func TestManual_AdvanceRunsDueTasksInOrder(t *testing.T) {
	start := time.Unix(1700000000, 0)
	m := NewManual(start)

	var order []int
	m.AfterFunc(30*time.Millisecond, func() { order = append(order, 3) })
	m.AfterFunc(10*time.Millisecond, func() { order = append(order, 1) })
	m.AfterFunc(20*time.Millisecond, func() { order = append(order, 2) })
	m.AfterFunc(time.Second, func() { order = append(order, 99) })

	m.Advance(30 * time.Millisecond)

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("order = %v, want [1 2 3]", order)
	}
	if got := m.Now(); !got.Equal(start.Add(30 * time.Millisecond)) {
		t.Errorf("Now() = %v, want start+30ms", got)
	}
	if m.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", m.Pending())
	}
}

func TestManual_Cancel(t *testing.T) {
	m := NewManual(time.Unix(0, 0))

	ran := false
	task := m.AfterFunc(time.Second, func() { ran = true })

	if !task.Cancel() {
		t.Error("first Cancel should return true")
	}
	if task.Cancel() {
		t.Error("second Cancel should return false")
	}

	m.Advance(2 * time.Second)
	if ran {
		t.Error("cancelled task ran")
	}
}

func TestManual_TaskSchedulesTask(t *testing.T) {
	m := NewManual(time.Unix(0, 0))

	var hits int
	var schedule func()
	schedule = func() {
		hits++
		if hits < 3 {
			m.AfterFunc(time.Second, schedule)
		}
	}
	m.AfterFunc(time.Second, schedule)

	m.Advance(10 * time.Second)
	if hits != 3 {
		t.Errorf("hits = %d, want 3", hits)
	}
}

func TestManual_CancelAfterRun(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	task := m.AfterFunc(time.Millisecond, func() {})
	m.Advance(time.Millisecond)

	if task.Cancel() {
		t.Error("Cancel after run should return false")
	}
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{50, time.Second},
	}

	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestJitter(t *testing.T) {
	d := 100 * time.Millisecond
	for i := 0; i < 100; i++ {
		got := Jitter(d)
		if got < d/2 || got >= d+d/2 {
			t.Fatalf("Jitter(%v) = %v, out of [50ms,150ms)", d, got)
		}
	}
	if Jitter(0) != 0 {
		t.Error("Jitter(0) should be 0")
	}
}

func TestBackoff_DelayUncappedSaturates(t *testing.T) {
	b := Backoff{Base: time.Second}

	prev := time.Duration(0)
	for attempt := 1; attempt <= 200; attempt++ {
		got := b.Delay(attempt)
		if got <= 0 {
			t.Fatalf("Delay(%d) = %v, want positive", attempt, got)
		}
		if got < prev {
			t.Fatalf("Delay(%d) = %v, less than Delay(%d) = %v", attempt, got, attempt-1, prev)
		}
		prev = got
	}
	if prev != time.Duration(math.MaxInt64) {
		t.Errorf("Delay(200) = %v, want saturated", prev)
	}
	if got := Jitter(prev); got <= 0 {
		t.Errorf("Jitter(saturated) = %v, want positive", got)
	}
}

func TestBackoff_JitteredDelayStaysUnderMax(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}
	for i := 0; i < 200; i++ {
		if got := b.JitteredDelay(10); got > time.Second || got < 500*time.Millisecond {
			t.Fatalf("JitteredDelay(10) = %v, out of [500ms,1s]", got)
		}
		if got := b.JitteredDelay(1); got < 50*time.Millisecond || got >= 150*time.Millisecond {
			t.Fatalf("JitteredDelay(1) = %v, out of [50ms,150ms)", got)
		}
	}
	if got := (Backoff{}).JitteredDelay(3); got != 0 {
		t.Errorf("zero Backoff JitteredDelay = %v, want 0", got)
	}
}
