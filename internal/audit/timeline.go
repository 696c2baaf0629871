package audit

import "time"

// TimelineFilters menampung filter dasar untuk audit timeline.
type TimelineFilters struct {
	From     time.Time
	To       time.Time
	ActorID  int64
	Entity   string
	EntityID string
	Action   string
	Page     int
	PageSize int
}

// TimelineRow mewakili satu baris audit timeline.
type TimelineRow struct {
	ID       int64
	At       time.Time
	ActorID  int64
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
}

// PagingInfo menyimpan metadata pagination sederhana.
type PagingInfo struct {
	Page     int
	HasNext  bool
	PageSize int
	PrevPage int
	NextPage int
}

// Result membungkus hasil timeline dengan informasi paging.
type Result struct {
	Rows   []TimelineRow
	Paging PagingInfo
}

// WindowParams is one page request against the store. Limit is one more than
// the page size so the service can tell whether a next page exists.
type WindowParams struct {
	From     time.Time
	To       time.Time
	ActorID  int64
	Entity   string
	EntityID string
	Action   string
	Offset   int
	Limit    int
}

func (p WindowParams) matches(row TimelineRow) bool {
	switch {
	case !p.From.IsZero() && row.At.Before(p.From):
		return false
	case !p.To.IsZero() && !row.At.Before(p.To):
		return false
	case p.ActorID != 0 && row.ActorID != p.ActorID:
		return false
	case p.Entity != "" && row.Entity != p.Entity:
		return false
	case p.EntityID != "" && row.EntityID != p.EntityID:
		return false
	case p.Action != "" && row.Action != p.Action:
		return false
	}
	return true
}
