package attendance

import (
	"context"
	"sort"
)

// ReportRow is one line of the per-session attendance export.
type ReportRow struct {
	AttendeeID string   `json:"attendee_id"`
	Roll       string   `json:"roll"`
	Name       string   `json:"name"`
	Status     Status   `json:"status"`
	Date       string   `json:"date"`
	Time       string   `json:"time"`
	Score      *float64 `json:"score,omitempty"`
}

// Reporter is a read-only projection over a session's records.
type Reporter struct {
	sessions SessionStore
	records  RecordStore
	roster   Roster
}

// Report lists every record of a session the presenter owns, with attendee
// display fields resolved, ordered by roll.
func (r *Reporter) Report(ctx context.Context, sessionID, presenterID string) ([]ReportRow, error) {
	const op = "report"

	s, err := ownedSession(ctx, r.sessions, op, sessionID, presenterID)
	if err != nil {
		return nil, err
	}
	recs, err := r.records.ListRecords(ctx, s.ID)
	if err != nil {
		return nil, internal(op, err)
	}

	rows := make([]ReportRow, 0, len(recs))
	for _, rec := range recs {
		row := ReportRow{AttendeeID: rec.AttendeeID, Status: rec.Status, Score: rec.Score}
		a, err := r.roster.Attendee(ctx, rec.AttendeeID)
		if err != nil {
			return nil, internal(op, err)
		}
		if a != nil {
			row.Roll, row.Name = a.Roll, a.Name
		}
		at := rec.ScannedAt
		if rec.ResolvedAt != nil {
			at = *rec.ResolvedAt
		}
		row.Date = at.Format("2006-01-02")
		row.Time = at.Format("15:04:05")
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Roll != rows[j].Roll {
			return rows[i].Roll < rows[j].Roll
		}
		return rows[i].AttendeeID < rows[j].AttendeeID
	})
	return rows, nil
}
