package ledger

import (
	"time"

	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/domain"
)

// KeyFunc derives the identity of a record. Two records with the same
// identity are treated as the same exported item.
type KeyFunc func(domain.Record) string

// Identity keys records by (timestamp at whole-second precision, content field)
func Identity(contentField string) KeyFunc {
	return func(rec domain.Record) string {
		return secondPrecision(rec) + "\x1f" + rec.String(contentField)
	}
}

// TimestampOnly keys records by their whole-second timestamp alone, for
// sources like mail where the body is not stable across fetches.
func TimestampOnly() KeyFunc {
	return secondPrecision
}

func secondPrecision(rec domain.Record) string {
	if ts, ok := rec.Timestamp(); ok {
		return ts.UTC().Truncate(time.Second).Format(time.RFC3339)
	}
	return rec.String(domain.FieldTimestamp)
}
