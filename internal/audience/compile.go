package audience

import (
	"strconv"
	"strings"
	"time"

	"github.com/lalithlochan/dripmail/internal/db"
)

// Stored attribute names
const (
	AttrEmail        = "email"
	AttrProduct      = "product"
	AttrSubscription = "subscription"
	AttrPermission   = "permission"
	AttrTag          = "tag"
	AttrLastActive   = "lastActive"
	AttrSignedUp     = "signedUp"
)

// AggregatorOr combines predicates with OR; anything else means AND.
const AggregatorOr = "or"

const (
	columnPurchases   = "purchases"
	columnPermissions = "permissions"
	columnTags        = "tags"
	columnLastActive  = "last_active"
	columnCreatedAt   = "created_at"
)

// Compile translates a stored filter. Predicates with an unknown attribute,
// condition or unparseable value add no constraint. When nothing is left the
// result is True.
func Compile(f db.Filter) Predicate {
	preds := make([]Predicate, 0, len(f.Filters))
	for _, fp := range f.Filters {
		if p, ok := compileOne(fp); ok {
			preds = append(preds, p)
		}
	}

	switch {
	case len(preds) == 0:
		return True{}
	case len(preds) == 1:
		return preds[0]
	case strings.EqualFold(f.Aggregator, AggregatorOr):
		return Any(preds)
	default:
		return All(preds)
	}
}

func compileOne(fp db.FilterPredicate) (Predicate, bool) {
	cond := strings.ToLower(strings.TrimSpace(fp.Condition))

	switch fp.Name {
	case AttrEmail:
		switch cond {
		case "is":
			return Email{Op: EmailIs, Value: fp.Value}, true
		case "contains":
			return Email{Op: EmailContains, Value: fp.Value}, true
		case "does not contain":
			return Email{Op: EmailNotContains, Value: fp.Value}, true
		}

	case AttrProduct:
		return membership(columnPurchases, cond, fp.Value)
	case AttrPermission:
		return membership(columnPermissions, cond, fp.Value)
	case AttrTag:
		return membership(columnTags, cond, fp.Value)

	case AttrSubscription:
		switch cond {
		case "subscribed":
			return Subscription{Subscribed: true}, true
		case "unsubscribed", "not subscribed":
			return Subscription{Subscribed: false}, true
		}

	case AttrLastActive:
		return date(columnLastActive, cond, fp.Value)
	case AttrSignedUp:
		return date(columnCreatedAt, cond, fp.Value)
	}

	return nil, false
}

func membership(column, cond, value string) (Predicate, bool) {
	switch cond {
	case "has":
		return Membership{Column: column, Value: value, Has: true}, true
	case "does not have":
		return Membership{Column: column, Value: value, Has: false}, true
	}
	return nil, false
}

func date(column, cond, value string) (Predicate, bool) {
	var op DateOp
	switch cond {
	case "on":
		op = DateOn
	case "before":
		op = DateBefore
	case "after":
		op = DateAfter
	default:
		return nil, false
	}

	day, ok := ParseDay(value)
	if !ok {
		return nil, false
	}
	return Date{Column: column, Op: op, Day: day}, true
}

// ParseDay reads a date as YYYY-MM-DD, RFC 3339 or epoch milliseconds and
// truncates it to UTC midnight.
func ParseDay(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}

	var t time.Time
	if d, err := time.Parse("2006-01-02", value); err == nil {
		t = d
	} else if d, err := time.Parse(time.RFC3339, value); err == nil {
		t = d
	} else if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		t = time.UnixMilli(ms)
	} else {
		return time.Time{}, false
	}

	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
}
