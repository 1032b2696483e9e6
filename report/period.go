// Package report rolls cached per-scan statistics into share-of-voice and
// media-value summaries across studios, platforms, territories and weekly
// buckets, and manages the report records that track an export's lifecycle.
package report

import (
	"encoding/json"
	"time"

	"github.com/looperhq/looper/catalog"
	"github.com/looperhq/looper/errors"
)

// Period selects the scan dates a report covers: a single date, an explicit
// set of dates, or an inclusive range.
type Period struct {
	Start time.Time
	End   time.Time
	Dates []time.Time
}

// SingleDate covers one scan date.
func SingleDate(d time.Time) Period {
	d = dateOnly(d)
	return Period{Start: d, End: d}
}

// DateRange covers every scan date from start through end inclusive.
func DateRange(start, end time.Time) (Period, error) {
	start, end = dateOnly(start), dateOnly(end)
	if end.Before(start) {
		return Period{}, errors.NewInvalidf("period end %s before start %s",
			end.Format(catalog.DateLayout), start.Format(catalog.DateLayout))
	}
	return Period{Start: start, End: end}, nil
}

// DateSet covers an explicit list of scan dates.
func DateSet(dates ...time.Time) (Period, error) {
	if len(dates) == 0 {
		return Period{}, errors.NewInvalidf("period requires at least one date")
	}
	set := make([]time.Time, len(dates))
	for i, d := range dates {
		set[i] = dateOnly(d)
	}
	start, end := set[0], set[0]
	for _, d := range set[1:] {
		if d.Before(start) {
			start = d
		}
		if d.After(end) {
			end = d
		}
	}
	return Period{Start: start, End: end, Dates: set}, nil
}

// Filter translates the period into a scan filter.
func (p Period) Filter() catalog.ScanFilter {
	if len(p.Dates) > 0 {
		return catalog.ScanFilter{Dates: p.Dates}
	}
	start, end := p.Start, p.End
	return catalog.ScanFilter{Start: &start, End: &end}
}

// Contains reports whether a scan date falls inside the period.
func (p Period) Contains(d time.Time) bool {
	d = dateOnly(d)
	if len(p.Dates) > 0 {
		for _, pd := range p.Dates {
			if pd.Equal(d) {
				return true
			}
		}
		return false
	}
	return !d.Before(p.Start) && !d.After(p.End)
}

// Week is one reporting bucket. Weeks run Sunday through Saturday; the
// leading and trailing buckets may be short partials when the period does
// not start on a Sunday or end on a Saturday.
type Week struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether a scan date falls inside the week.
func (w Week) Contains(d time.Time) bool {
	d = dateOnly(d)
	return !d.Before(w.Start) && !d.After(w.End)
}

// Weeks partitions the period's bounds into week buckets.
func (p Period) Weeks() []Week {
	var weeks []Week
	cur := p.Start
	for !cur.After(p.End) {
		// Saturday closing out the current bucket.
		end := cur.AddDate(0, 0, int(time.Saturday-cur.Weekday()))
		if end.After(p.End) {
			end = p.End
		}
		weeks = append(weeks, Week{Start: cur, End: end})
		cur = end.AddDate(0, 0, 1)
	}
	return weeks
}

// periodJSON is the persisted shape of a Period inside report metadata.
type periodJSON struct {
	Start string   `json:"start"`
	End   string   `json:"end"`
	Dates []string `json:"dates,omitempty"`
}

func (p Period) MarshalJSON() ([]byte, error) {
	out := periodJSON{
		Start: p.Start.Format(catalog.DateLayout),
		End:   p.End.Format(catalog.DateLayout),
	}
	for _, d := range p.Dates {
		out.Dates = append(out.Dates, d.Format(catalog.DateLayout))
	}
	return json.Marshal(out)
}

func (p *Period) UnmarshalJSON(data []byte) error {
	var in periodJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return errors.Wrap(err, "decode period")
	}
	start, err := time.Parse(catalog.DateLayout, in.Start)
	if err != nil {
		return errors.Wrapf(err, "parse period start %q", in.Start)
	}
	end, err := time.Parse(catalog.DateLayout, in.End)
	if err != nil {
		return errors.Wrapf(err, "parse period end %q", in.End)
	}
	p.Start, p.End, p.Dates = start, end, nil
	for _, raw := range in.Dates {
		d, err := time.Parse(catalog.DateLayout, raw)
		if err != nil {
			return errors.Wrapf(err, "parse period date %q", raw)
		}
		p.Dates = append(p.Dates, d)
	}
	return nil
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
