package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/wasilibs/go-re2"

	"github.com/aatumaykin/pipetimer/internal/errors"
)

// Filter selects events. Zero fields do not filter.
type Filter struct {
	Since       time.Time
	Until       time.Time
	Sources     []Source
	MinSeverity Severity
	MaxSeverity Severity
	RunID       uint64
	KindPrefix  string
	// Grep is an RE2 pattern matched against the message.
	Grep string
	// Limit caps the number of returned events.
	Limit int
	// Tail returns only the last N matching events, still in time order.
	// With Limit also set the smaller of the two wins, counted from the newest.
	Tail int
	// AfterID returns only events with a larger id.
	AfterID int64
}

// Query returns the events matching f in commit order. The sequence is lazy,
// reads the database in pages, and can be ranged over more than once; every
// iteration starts from the beginning. A query error is yielded once as the
// last element.
func (s *Store) Query(ctx context.Context, f Filter) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		re, err := f.compile()
		if err != nil {
			yield(Event{}, err)
			return
		}
		if f.Tail > 0 {
			s.tail(ctx, f, re, yield)
			return
		}

		cursor := f.AfterID
		emitted := 0
		for {
			page, err := s.page(ctx, f, cursor, true)
			if err != nil {
				yield(Event{}, err)
				return
			}
			for _, ev := range page {
				cursor = ev.ID
				if re != nil && !re.MatchString(ev.Message) {
					continue
				}
				if !yield(ev, nil) {
					return
				}
				emitted++
				if f.Limit > 0 && emitted >= f.Limit {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
		}
	}
}

// Collect drains a Query into a slice.
func Collect(seq iter.Seq2[Event, error]) ([]Event, error) {
	var out []Event
	for ev, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *Store) tail(ctx context.Context, f Filter, re *re2.Regexp, yield func(Event, error) bool) {
	n := f.Tail
	if f.Limit > 0 && f.Limit < n {
		n = f.Limit
	}

	var (
		picked []Event
		cursor int64
	)
	for len(picked) < n {
		page, err := s.page(ctx, f, cursor, false)
		if err != nil {
			yield(Event{}, err)
			return
		}
		for _, ev := range page {
			cursor = ev.ID
			if re != nil && !re.MatchString(ev.Message) {
				continue
			}
			picked = append(picked, ev)
			if len(picked) == n {
				break
			}
		}
		if len(page) < pageSize {
			break
		}
	}

	slices.Reverse(picked)
	for _, ev := range picked {
		if !yield(ev, nil) {
			return
		}
	}
}

func (f Filter) compile() (*re2.Regexp, error) {
	if f.Grep == "" {
		return nil, nil
	}
	re, err := re2.Compile(f.Grep)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid grep pattern %q", f.Grep)
	}
	return re, nil
}

// where builds the SQL condition. Ascending pages continue after cursor;
// descending pages continue before it (0 = from the newest).
func (f Filter) where(cursor int64, asc bool) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if asc {
		conds = append(conds, "id > ?")
		args = append(args, cursor)
	} else {
		if cursor > 0 {
			conds = append(conds, "id < ?")
			args = append(args, cursor)
		}
		if f.AfterID > 0 {
			conds = append(conds, "id > ?")
			args = append(args, f.AfterID)
		}
	}
	if !f.Since.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		conds = append(conds, "ts < ?")
		args = append(args, f.Until.UnixNano())
	}
	if len(f.Sources) > 0 {
		marks := make([]string, len(f.Sources))
		for i, src := range f.Sources {
			marks[i] = "?"
			args = append(args, string(src))
		}
		conds = append(conds, "source IN ("+strings.Join(marks, ", ")+")")
	}
	if f.MinSeverity != 0 {
		conds = append(conds, "severity >= ?")
		args = append(args, int(f.MinSeverity))
	}
	if f.MaxSeverity != 0 {
		conds = append(conds, "severity <= ?")
		args = append(args, int(f.MaxSeverity))
	}
	if f.RunID != 0 {
		conds = append(conds, "run_id = ?")
		args = append(args, int64(f.RunID))
	}
	if f.KindPrefix != "" {
		conds = append(conds, `kind LIKE ? ESCAPE '\'`)
		args = append(args, escapeLike(f.KindPrefix)+"%")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *Store) page(ctx context.Context, f Filter, cursor int64, asc bool) ([]Event, error) {
	where, args := f.where(cursor, asc)
	order := "ASC"
	if !asc {
		order = "DESC"
	}
	q := "SELECT id, ts, source, severity, kind, run_id, message, fields FROM events" +
		where + " ORDER BY id " + order + " LIMIT ?"
	args = append(args, pageSize)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query events")
	}
	defer rows.Close()

	page := make([]Event, 0, pageSize)
	for rows.Next() {
		var (
			ev       Event
			ts       int64
			source   string
			severity int
			runID    int64
			fields   sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ts, &source, &severity, &ev.Kind, &runID, &ev.Message, &fields); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		ev.Time = time.Unix(0, ts)
		ev.Source = Source(source)
		ev.Severity = Severity(severity)
		ev.RunID = uint64(runID)
		if fields.Valid && fields.String != "" {
			if err := json.Unmarshal([]byte(fields.String), &ev.Fields); err != nil {
				ev.Fields = map[string]any{"raw": fields.String}
			}
		}
		page = append(page, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate events")
	}
	return page, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
