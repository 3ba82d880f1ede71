package sequence

import "github.com/lalithlochan/dripmail/internal/db"

// NextPublishedEmail returns the first step of seq, in EmailsOrder, that is
// published and not yet in sent. Ids in the order with no matching email are
// skipped.
func NextPublishedEmail(seq *db.Sequence, sent []string) (db.Email, bool) {
	done := make(map[string]struct{}, len(sent))
	for _, id := range sent {
		done[id] = struct{}{}
	}

	for _, id := range seq.EmailsOrder {
		if _, ok := done[id]; ok {
			continue
		}
		email, ok := seq.Emails[id]
		if !ok || !email.Published {
			continue
		}
		return email, true
	}

	return db.Email{}, false
}

// retryDelay is the wait before attempt retryCount+1, doubling from base and
// capped at max. A zero base disables backoff.
func retryDelay(base, max int64, retryCount int) int64 {
	if base <= 0 || retryCount <= 0 {
		return 0
	}

	delay := base
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}
