// Package persist holds the canonical store contracts shared by the memory
// and Postgres implementations. Only the fusion engine writes canonical rows;
// everything else reads through Reader.
package persist

import (
	"context"
	"errors"
	"time"

	"github.com/adrianolucasdepaula/invest-sub002/internal/cotahist"
	"github.com/adrianolucasdepaula/invest-sub002/internal/fusion"
)

// ErrNotFound is returned when no canonical record exists for an asset.
var ErrNotFound = errors.New("canonical record not found")

// Reader is the read model exposed to the API.
type Reader interface {
	Canonical(ctx context.Context, asset string) (fusion.CanonicalRecord, error)
}

// Store is a complete canonical store.
type Store interface {
	fusion.Writer
	cotahist.BarWriter
	Reader
	Ping(ctx context.Context) error
	Close()
}

// AuditRow records one source's contribution to one field decision.
type AuditRow struct {
	Asset      string
	Field      string
	Source     string
	Raw        *float64
	Normalized *float64
	Deviation  float64
	Class      fusion.Class
	Accepted   bool
	ObservedAt time.Time
	TraceID    string
	RecordedAt time.Time
}

// AuditRows flattens every field decision of rec, in field then source order.
func AuditRows(rec fusion.CanonicalRecord) []AuditRow {
	var out []AuditRow
	for _, field := range rec.FieldNames() {
		for _, d := range rec.Fields[field].Decisions {
			out = append(out, AuditRow{
				Asset:      rec.Asset,
				Field:      field,
				Source:     d.Source,
				Raw:        d.Raw,
				Normalized: d.Normalized,
				Deviation:  d.Deviation,
				Class:      d.Class,
				Accepted:   d.Accepted,
				ObservedAt: d.ObservedAt,
				TraceID:    rec.TraceID,
				RecordedAt: rec.UpdatedAt,
			})
		}
	}
	return out
}
