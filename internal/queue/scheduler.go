package queue

import "time"

// Next returns the job a claiming worker should receive from candidates at
// time now, or nil when nothing is claimable: highest effective priority
// wins, ties broken by earliest CreatedAt (oldest job first).
//
// This is the selection contract. The store's claim statement embeds the
// same ordering in SQL so that selection and lock acquisition are one atomic
// unit; this pure form exists so the policy is testable on its own and
// reusable for read-only previews.
func Next(candidates []*Job, now time.Time) *Job {
	var best *Job
	for _, j := range candidates {
		if !j.Claimable(now) {
			continue
		}
		if best == nil {
			best = j
			continue
		}
		switch {
		case j.EffectivePriority() > best.EffectivePriority():
			best = j
		case j.EffectivePriority() == best.EffectivePriority() && j.CreatedAt.Before(best.CreatedAt):
			best = j
		}
	}
	return best
}
