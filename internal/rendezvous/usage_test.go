package rendezvous

import "testing"

func TestBlur(t *testing.T) {
	tests := []struct {
		started  float64
		interval float64
		want     float64
	}{
		{started: 123456, interval: 0, want: 123456},
		{started: 123456, interval: -1, want: 123456},
		{started: 123456, interval: 3600, want: 122400},
		{started: 3600, interval: 3600, want: 3600},
		{started: 3599.9, interval: 3600, want: 0},
	}
	for _, tt := range tests {
		if got := blur(tt.started, tt.interval); got != tt.want {
			t.Errorf("blur(%v, %v) = %v, want %v", tt.started, tt.interval, got, tt.want)
		}
	}
}

func TestSummarizeMailboxResults(t *testing.T) {
	base := mailboxRow{started: 10}
	tests := []struct {
		name       string
		row        mailboxRow
		numSides   int
		secondMood string
		pruned     bool
		want       string
	}{
		{name: "no authors", row: base, numSides: 0, want: ResultQuiet},
		{name: "one author", row: base, numSides: 1, want: ResultLonely},
		{name: "two authors", row: base, numSides: 2, want: ResultHappy},
		{name: "lonely mood overrides happy",
			row: mailboxRow{started: 10, firstMood: MoodLonely}, numSides: 2,
			want: ResultLonely},
		{name: "errory beats lonely",
			row: mailboxRow{started: 10, firstMood: MoodLonely}, numSides: 2,
			secondMood: MoodErrory, want: ResultErrory},
		{name: "scary beats errory",
			row: mailboxRow{started: 10, firstMood: MoodErrory}, numSides: 2,
			secondMood: MoodScary, want: ResultScary},
		{name: "pruned beats scary",
			row: mailboxRow{started: 10, firstMood: MoodScary}, numSides: 2,
			pruned: true, want: ResultPruney},
		{name: "crowded beats pruned",
			row: mailboxRow{started: 10, crowded: true, firstMood: MoodScary},
			numSides: 2, pruned: true, want: ResultCrowded},
		{name: "unknown moods ignored",
			row: mailboxRow{started: 10, firstMood: "happy"}, numSides: 2,
			secondMood: "confused", want: ResultHappy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := summarizeMailbox(tt.row, tt.numSides, tt.secondMood, 25, 0, tt.pruned)
			if u.Result != tt.want {
				t.Fatalf("result = %q, want %q", u.Result, tt.want)
			}
			if u.TotalTime != 15 {
				t.Fatalf("total time = %v, want 15", u.TotalTime)
			}
		})
	}
}

func TestSummarizeMailboxTiming(t *testing.T) {
	u := summarizeMailbox(mailboxRow{started: 100, second: 130, hasSecond: true}, 2, "", 160, 0, false)
	if !u.Waited || u.WaitingTime != 30 {
		t.Fatalf("waiting = (%v, %v), want (30, true)", u.WaitingTime, u.Waited)
	}
	if u.Started != 100 || u.TotalTime != 60 {
		t.Fatalf("started = %v total = %v, want 100 and 60", u.Started, u.TotalTime)
	}

	u = summarizeMailbox(mailboxRow{started: 100}, 1, "", 160, 0, false)
	if u.Waited {
		t.Fatal("waited reported without a second side")
	}
}

func TestSummarizeMailboxBlursStarted(t *testing.T) {
	u := summarizeMailbox(mailboxRow{started: 7300}, 0, "", 7400, 3600, false)
	if u.Started != 3600 {
		t.Fatalf("blurred started = %v, want 3600", u.Started)
	}
	// Durations stay exact; only the absolute timestamp is coarsened.
	if u.TotalTime != 100 {
		t.Fatalf("total time = %v, want 100", u.TotalTime)
	}
}

func TestSummarizeNameplate(t *testing.T) {
	u := summarizeNameplate(nameplateRow{started: 10}, 40, 0, false)
	if u.Result != ResultLonely || u.Waited {
		t.Fatalf("single-side nameplate = %+v, want lonely and no wait", u)
	}

	u = summarizeNameplate(nameplateRow{started: 10, second: 25, hasSecond: true}, 40, 0, false)
	if u.Result != ResultHappy || !u.Waited || u.WaitingTime != 15 {
		t.Fatalf("paired nameplate = %+v, want happy with 15s wait", u)
	}

	u = summarizeNameplate(nameplateRow{started: 10}, 40, 0, true)
	if u.Result != ResultPruney {
		t.Fatalf("pruned nameplate result = %q, want pruney", u.Result)
	}

	u = summarizeNameplate(nameplateRow{started: 10, crowded: true}, 40, 0, true)
	if u.Result != ResultCrowded {
		t.Fatalf("crowded nameplate result = %q, want crowded", u.Result)
	}
}
