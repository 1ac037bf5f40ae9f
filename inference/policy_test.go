package inference

import "testing"

func TestDedupeTrackerStoresThroughThreshold(t *testing.T) {
	t.Parallel()

	var tracker dedupeTracker
	// threshold=1, keepEvery=2: occurrences 1 and 3 store, 2 and 4 don't.
	want := []bool{true, false, true, false, true}
	for i, expected := range want {
		if got := tracker.advance("normal", true, 1, 2); got != expected {
			t.Fatalf("occurrence %d: store=%v, want %v", i+1, got, expected)
		}
	}
}

func TestDedupeTrackerLongerThreshold(t *testing.T) {
	t.Parallel()

	var tracker dedupeTracker
	// threshold=3, keepEvery=5: first three store, then every fifth past it.
	var stored []int
	for i := 1; i <= 15; i++ {
		if tracker.advance("normal", true, 3, 5) {
			stored = append(stored, i)
		}
	}
	want := []int{1, 2, 3, 8, 13}
	if len(stored) != len(want) {
		t.Fatalf("stored occurrences %v, want %v", stored, want)
	}
	for i := range want {
		if stored[i] != want[i] {
			t.Fatalf("stored occurrences %v, want %v", stored, want)
		}
	}
}

func TestDedupeTrackerResetsOnStateChange(t *testing.T) {
	t.Parallel()

	var tracker dedupeTracker
	tracker.advance("normal", true, 1, 2)
	tracker.lastRecordID = "rec-1"
	if tracker.advance("normal", true, 1, 2) {
		t.Fatal("second identical state should be suppressed")
	}

	if !tracker.advance("abnormal", true, 1, 2) {
		t.Fatal("a state change must always store")
	}
	if tracker.lastRecordID != "" {
		t.Fatal("a state change must clear the remembered record id")
	}
	if tracker.count != 1 {
		t.Fatalf("state change should restart the run, count=%d", tracker.count)
	}
}

func TestDedupeTrackerDisabled(t *testing.T) {
	t.Parallel()

	var tracker dedupeTracker
	for i := 0; i < 5; i++ {
		if !tracker.advance("normal", false, 1, 2) {
			t.Fatal("disabled dedupe must always store")
		}
	}
	if tracker.count != 0 {
		t.Fatal("disabled dedupe must not accumulate state")
	}

	// Non-positive threshold behaves as disabled.
	if !tracker.advance("normal", true, 0, 2) {
		t.Fatal("threshold 0 must always store")
	}
}

func TestDedupeTrackerKeepEveryOne(t *testing.T) {
	t.Parallel()

	var tracker dedupeTracker
	for i := 0; i < 5; i++ {
		if !tracker.advance("normal", true, 2, 1) {
			t.Fatal("keepEvery<=1 must always store")
		}
	}
}

func TestStreakTrackerPrunesImagesPastThreshold(t *testing.T) {
	t.Parallel()

	var tracker streakTracker
	// threshold=2, keepEvery=3: images 1,2 kept, then every third past it.
	var kept []int
	for i := 1; i <= 10; i++ {
		if tracker.advance("normal", true, true, 2, 3) {
			kept = append(kept, i)
		}
	}
	want := []int{1, 2, 5, 8}
	if len(kept) != len(want) {
		t.Fatalf("kept images %v, want %v", kept, want)
	}
	for i := range want {
		if kept[i] != want[i] {
			t.Fatalf("kept images %v, want %v", kept, want)
		}
	}
}

func TestStreakTrackerCountsWithoutPruning(t *testing.T) {
	t.Parallel()

	// Similarity reuse needs the run length even when image pruning is off.
	var tracker streakTracker
	for i := 0; i < 4; i++ {
		if !tracker.advance("normal", true, false, 2, 3) {
			t.Fatal("with pruning off every image is kept")
		}
	}
	if tracker.count != 4 {
		t.Fatalf("run should still be counted, count=%d", tracker.count)
	}
}

func TestStreakTrackerResetsWhenNotTracking(t *testing.T) {
	t.Parallel()

	var tracker streakTracker
	tracker.advance("normal", true, true, 2, 3)
	tracker.advance("normal", true, true, 2, 3)

	if !tracker.advance("normal", false, false, 2, 3) {
		t.Fatal("untracked captures always keep their image")
	}
	if tracker.count != 0 {
		t.Fatalf("tracking off should reset the run, count=%d", tracker.count)
	}
}

func TestStreakTrackerStateChangeRestartsRun(t *testing.T) {
	t.Parallel()

	var tracker streakTracker
	for i := 0; i < 5; i++ {
		tracker.advance("normal", true, true, 2, 3)
	}
	if !tracker.advance("abnormal", true, true, 2, 3) {
		t.Fatal("a state change must keep the image")
	}
	if tracker.count != 1 || tracker.postThreshold != 0 {
		t.Fatalf("state change should restart the run: %+v", tracker)
	}
}
