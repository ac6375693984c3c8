package collab

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func journalDiff(rid uint64, serverVersion int64, stepCount int) *Message {
	steps := []json.RawMessage{}
	for i := 0; i < stepCount; i++ {
		steps = append(steps, json.RawMessage(`{"op":"x"}`))
	}
	return &Message{
		Type:          MessageTypeDiff,
		Rid:           rid,
		Steps:         steps,
		ServerVersion: serverVersion,
		ServerFix:     true,
	}
}

func TestJournalReplay(t *testing.T) {
	journal := newDiffJournal(5, 100)
	journal.Append(journalDiff(1, 7, 2))
	journal.Append(journalDiff(2, 8, 1))

	assert.Equal(t, journal.Floor(), int64(5))
	assert.Equal(t, journal.Head(), int64(8))

	diffs, err := journal.StepsSince(5)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(diffs), 2)
	assert.Equal(t, diffs[0].ServerVersion, int64(7))
	assert.Equal(t, diffs[1].ServerVersion, int64(8))

	diffs, err = journal.StepsSince(7)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(diffs), 1)
	assert.Equal(t, diffs[0].Rid, uint64(2))

	diffs, err = journal.StepsSince(8)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(diffs), 0)
}

func TestJournalReplayIdempotent(t *testing.T) {
	journal := newDiffJournal(0, 100)
	journal.Append(journalDiff(1, 1, 1))
	journal.Append(journalDiff(2, 3, 2))
	journal.Append(journalDiff(3, 4, 1))

	first, err := journal.StepsSince(1)
	assert.Equal(t, err, nil)
	second, err := journal.StepsSince(1)
	assert.Equal(t, err, nil)

	firstJson, err := json.Marshal(first)
	assert.Equal(t, err, nil)
	secondJson, err := json.Marshal(second)
	assert.Equal(t, err, nil)
	assert.Equal(t, firstJson, secondJson)
}

func TestJournalRetention(t *testing.T) {
	journal := newDiffJournal(0, 2)
	journal.Append(journalDiff(1, 1, 1))
	journal.Append(journalDiff(2, 2, 1))
	journal.Append(journalDiff(3, 3, 1))

	// the first diff fell out of the window
	assert.Equal(t, journal.Floor(), int64(1))
	assert.Equal(t, journal.Head(), int64(3))

	_, err := journal.StepsSince(0)
	var retention *RetentionExceededError
	assert.Equal(t, errorsAs(err, &retention), true)
	assert.Equal(t, retention.OldestRetained, int64(1))

	diffs, err := journal.StepsSince(1)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(diffs), 2)
}

func TestJournalAhead(t *testing.T) {
	journal := newDiffJournal(3, 10)
	_, err := journal.StepsSince(9)
	var malformed *MalformedRequestError
	assert.Equal(t, errorsAs(err, &malformed), true)
}
