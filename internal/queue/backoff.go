package queue

import "time"

// Outcome is the state transition produced by settling a failed attempt.
// NextRetryAt is nil iff the job moved to the dead-letter queue.
type Outcome struct {
	State        State
	Attempts     int
	NextRetryAt  *time.Time
	ErrorMessage string
}

// Backoff returns the retry delay after the given number of attempts:
// base^attempts seconds. A base below 1 is treated as 1 (constant 1s delay).
func Backoff(base, attempts int) time.Duration {
	if base < 1 {
		base = 1
	}
	delay := 1
	for i := 0; i < attempts; i++ {
		delay *= base
	}
	return time.Duration(delay) * time.Second
}

// SettleFailure computes the transition for a failed execution attempt.
// The attempt counter advances by one; the job dies only when that pushes it
// past maxRetries, otherwise it is scheduled for retry after an exponential
// backoff. With maxRetries=3 and base=2: failures 1–3 schedule retries at
// +2s/+4s/+8s, failure 4 is terminal.
func SettleFailure(attempts, maxRetries, base int, now time.Time, errMsg string) Outcome {
	attempts++
	if attempts > maxRetries {
		return Outcome{
			State:        StateDead,
			Attempts:     attempts,
			ErrorMessage: errMsg,
		}
	}
	next := now.Add(Backoff(base, attempts))
	return Outcome{
		State:        StateFailed,
		Attempts:     attempts,
		NextRetryAt:  &next,
		ErrorMessage: errMsg,
	}
}
