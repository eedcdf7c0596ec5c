package uplink

import (
	"slices"
	"testing"
)

func TestCallbackQueueOrder(t *testing.T) {
	q := newCallbackQueue(testLogger())

	var got []int
	for i := 0; i < 100; i++ {
		if !q.post(func() { got = append(got, i) }) {
			t.Fatal("post() = false on open queue")
		}
	}
	q.close()
	<-q.done

	want := make([]int, 100)
	for i := range want {
		want[i] = i
	}
	if !slices.Equal(got, want) {
		t.Errorf("callbacks ran out of order: %v", got)
	}
	if q.post(func() {}) {
		t.Error("post() = true after close")
	}
}

func TestCallbackQueueSurvivesPanic(t *testing.T) {
	q := newCallbackQueue(testLogger())

	ran := false
	q.post(func() { panic("boom") })
	q.post(func() { ran = true })
	q.close()
	<-q.done

	if !ran {
		t.Error("callback after a panic did not run")
	}
}
