package rendezvous

// Recognised mood / result keywords. Moods are free-form strings on the
// wire; only these three influence summarization.
const (
	MoodLonely = "lonely"
	MoodErrory = "errory"
	MoodScary  = "scary"

	ResultQuiet   = "quiet"
	ResultLonely  = "lonely"
	ResultHappy   = "happy"
	ResultErrory  = "errory"
	ResultScary   = "scary"
	ResultPruney  = "pruney"
	ResultCrowded = "crowded"
)

// Usage record kinds, matching the table each is written to.
const (
	UsageNameplate = "nameplate"
	UsageMailbox   = "mailbox"
)

// Usage is one anonymized summary row, emitted when a nameplate or
// mailbox is deleted. Waited reports whether a second side ever joined;
// WaitingTime is meaningless when it is false.
type Usage struct {
	Started     float64
	WaitingTime float64
	Waited      bool
	TotalTime   float64
	Result      string
}

// blur quantizes started down to a multiple of the blur interval.
// A zero interval reports the exact time.
func blur(started, interval float64) float64 {
	if interval <= 0 {
		return started
	}
	n := int64(started / interval)
	return interval * float64(n)
}

// summarizeMailbox computes the usage record for a deleted mailbox.
// numSides counts distinct authors of persisted messages, not joined
// sides. Overrides apply low to high: mood keywords, then pruney, then
// crowded.
func summarizeMailbox(row mailboxRow, numSides int, secondMood string, deleteTime, blurInterval float64, pruned bool) Usage {
	u := Usage{
		Started:   blur(row.started, blurInterval),
		TotalTime: deleteTime - row.started,
	}
	if row.hasSecond {
		u.Waited = true
		u.WaitingTime = row.second - row.started
	}

	switch numSides {
	case 0:
		u.Result = ResultQuiet
	case 1:
		u.Result = ResultLonely
	default:
		u.Result = ResultHappy
	}

	moods := map[string]bool{row.firstMood: true, secondMood: true}
	if moods[MoodLonely] {
		u.Result = ResultLonely
	}
	if moods[MoodErrory] {
		u.Result = ResultErrory
	}
	if moods[MoodScary] {
		u.Result = ResultScary
	}
	if pruned {
		u.Result = ResultPruney
	}
	if row.crowded {
		u.Result = ResultCrowded
	}
	return u
}

// summarizeNameplate computes the usage record for a deleted nameplate.
func summarizeNameplate(row nameplateRow, deleteTime, blurInterval float64, pruned bool) Usage {
	u := Usage{
		Started:   blur(row.started, blurInterval),
		TotalTime: deleteTime - row.started,
		Result:    ResultLonely,
	}
	if row.hasSecond {
		u.Waited = true
		u.WaitingTime = row.second - row.started
		u.Result = ResultHappy
	}
	if pruned {
		u.Result = ResultPruney
	}
	if row.crowded {
		u.Result = ResultCrowded
	}
	return u
}
