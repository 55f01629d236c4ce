package redisstore

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/target/mmk-queue/internal/domain/model"
)

const (
	fieldData    = "data"
	fieldPayload = "payload" // raw producer bytes, stored outside data
	fieldState   = "state"
	fieldQueue   = "queue"
)

// priorityStride separates priority bands in the waiting index score. Sequence
// numbers stay below it, and MaxPriority*priorityStride stays within float64's exact range.
const priorityStride = 1e13

func encodeJob(j *model.Job) (map[string]any, error) {
	rest := *j
	rest.Payload = nil
	data, err := json.Marshal(&rest)
	if err != nil {
		return nil, fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	return map[string]any{
		fieldData:    string(data),
		fieldPayload: string(j.Payload),
		fieldState:   string(j.State),
		fieldQueue:   j.Queue,
	}, nil
}

func decodeJob(raw, payload string) (*model.Job, error) {
	var j model.Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	if payload != "" {
		j.Payload = json.RawMessage(payload)
	}
	return &j, nil
}

// indexScore returns the sort key of a job within its state index.
func indexScore(j *model.Job) float64 {
	switch j.State {
	case model.JobStateWaiting:
		return float64(j.Priority)*priorityStride + float64(j.Seq)
	case model.JobStateDelayed:
		return msScore(j.AvailableAt)
	case model.JobStateActive:
		if j.LockExpiresAt != nil {
			return msScore(*j.LockExpiresAt)
		}
		return 0
	default:
		if j.FinishedAt != nil {
			return msScore(*j.FinishedAt)
		}
		return msScore(j.UpdatedAt)
	}
}

func msScore(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// dueScore is the inclusive upper bound for scanning due indexes. Scores are
// whole milliseconds, so candidates are re-checked against exact times after loading.
func dueScore(before time.Time) string {
	return fmt.Sprintf("%d", int64(math.Ceil(float64(before.UnixNano())/1e6)))
}

func tracksDue(state model.JobState) bool {
	return state == model.JobStateDelayed || state == model.JobStateActive
}
