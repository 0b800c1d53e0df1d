package behavior

import "testing"

func TestNewSlowUpdaterValidates(t *testing.T) {
	if _, err := newSlowUpdater(0, 0.5); err == nil {
		t.Error("expected error for zero update period")
	}
	if _, err := newSlowUpdater(5, 0); err == nil {
		t.Error("expected error for zero mix")
	}
	if _, err := newSlowUpdater(5, 1.5); err == nil {
		t.Error("expected error for mix above 1")
	}
	if _, err := newSlowUpdater(1, 1); err != nil {
		t.Errorf("valid schedule rejected: %v", err)
	}
}

func TestSlowUpdaterSchedule(t *testing.T) {
	sched, err := newSlowUpdater(3, 0.1)
	if err != nil {
		t.Fatalf("could not create schedule: %v", err)
	}

	want := []bool{true, false, false, true, false, false, true}
	for i, expected := range want {
		if got := sched.tick(); got != expected {
			t.Errorf("call %v: wrong schedule decision \n\twant(%v)"+
				"\n\thave(%v)", i, expected, got)
		}
	}
	if sched.Calls != len(want) {
		t.Errorf("call counter out of sync \n\twant(%v)\n\thave(%v)",
			len(want), sched.Calls)
	}
}

func TestSlowUpdaterEveryCall(t *testing.T) {
	sched, err := newSlowUpdater(1, 1)
	if err != nil {
		t.Fatalf("could not create schedule: %v", err)
	}
	for i := 0; i < 5; i++ {
		if !sched.tick() {
			t.Errorf("call %v: period 1 must update on every call", i)
		}
	}
}
