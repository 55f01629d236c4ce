package redisstore

import "github.com/target/mmk-queue/internal/domain/model"

// Every key shares the {mmkq} hash tag so multi-key transactions stay in one
// cluster slot.
const defaultPrefix = "{mmkq}"

type keys struct {
	prefix string
}

// job returns the Hash key holding one job record.
func (k keys) job(id string) string { return k.prefix + ":job:" + id }

// index returns the Sorted Set key for one queue/state pair.
func (k keys) index(queue string, state model.JobState) string {
	return k.prefix + ":q:" + queue + ":" + string(state)
}

// due returns the cross-queue Sorted Set scanned by the scheduler for delayed and active jobs.
func (k keys) due(state model.JobState) string { return k.prefix + ":due:" + string(state) }

// queues is the Set of every queue name that ever held a job.
func (k keys) queues() string { return k.prefix + ":queues" }

// seq is the counter used to order waiting jobs.
func (k keys) seq() string { return k.prefix + ":seq" }

// ready is the Pub/Sub channel announcing waiting jobs on a queue.
func (k keys) ready(queue string) string { return k.prefix + ":ready:" + queue }
