package inference

// dedupeTracker follows a device's run of consecutive identical states to
// decide whether a new record should be stored at all. While the run is at
// or under the threshold every capture stores; past it, only the keepEvery-th
// occurrence past the threshold does, and the response reuses the remembered
// record id in between.
type dedupeTracker struct {
	state        string
	count        int
	lastRecordID string
}

func (t *dedupeTracker) advance(state string, enabled bool, threshold, keepEvery int) bool {
	if !enabled || threshold <= 0 {
		*t = dedupeTracker{}
		return true
	}
	if state == "" {
		*t = dedupeTracker{}
		return true
	}
	if t.state != state {
		t.state = state
		t.count = 1
		t.lastRecordID = ""
		return true
	}
	t.count++
	if t.count <= threshold {
		return true
	}
	if keepEvery <= 1 {
		return true
	}
	return (t.count-threshold)%keepEvery == 0
}

// streakTracker is the same run-tracking shape applied to image storage:
// past the threshold, only every keepEvery-th capture keeps its full-size
// image. The run is also consulted by similarity reuse, so the tracker keeps
// counting whenever similarity needs it even when image pruning itself is
// off (in which case every image is kept).
type streakTracker struct {
	state         string
	count         int
	postThreshold int
}

func (t *streakTracker) advance(state string, tracking, pruning bool, threshold, keepEvery int) bool {
	if !tracking {
		*t = streakTracker{}
		return true
	}
	if state == "" {
		*t = streakTracker{}
		return true
	}
	if t.state != state {
		t.state = state
		t.count = 1
		t.postThreshold = 0
		return true
	}
	t.count++
	if !pruning || threshold <= 0 {
		return true
	}
	if t.count <= threshold {
		return true
	}
	t.postThreshold++
	if keepEvery <= 1 {
		return true
	}
	return t.postThreshold%keepEvery == 0
}
