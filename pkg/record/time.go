package record

import "time"

// TimeLayout is the timestamp encoding used in every file
const TimeLayout = time.RFC3339Nano

// FormatTime renders t in UTC with TimeLayout. The zero time renders as "".
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeLayout)
}

// ParseTime is the inverse of FormatTime
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// Timestamp returns the time a record describes. Row sections use the "ts"
// extra of their first row that carries one.
func Timestamp(r Record) (time.Time, bool) {
	var t time.Time
	switch v := r.(type) {
	case *Conversation:
		t = v.StartedAt
	case *State:
		t = v.UpdatedAt
	case *Session:
		t = v.StartedAt
	case *Embedding:
		t = v.CreatedAt
	case *Consolidation:
		t = v.CreatedAt
	case *Insights:
		for _, row := range v.Rows {
			if t = extraTime(row.Extra); !t.IsZero() {
				break
			}
		}
	case *Decisions:
		for _, row := range v.Rows {
			if t = extraTime(row.Extra); !t.IsZero() {
				break
			}
		}
	case *Links:
		for _, row := range v.Rows {
			if t = extraTime(row.Extra); !t.IsZero() {
				break
			}
		}
	}
	return t, !t.IsZero()
}

func extraTime(f Fields) time.Time {
	s, ok := f.Get("ts")
	if !ok {
		return time.Time{}
	}
	t, err := ParseTime(s)
	if err != nil {
		return time.Time{}
	}
	return t
}
