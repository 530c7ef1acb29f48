package models

// UserRecord is one retweeter as shown on the wheel.
// Label is the text drawn on the wheel segment and currently mirrors DisplayName.
type UserRecord struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Label       string `json:"label"`
}

// NewUserRecord builds a record from the remote id and display name.
func NewUserRecord(id, name string) UserRecord {
	return UserRecord{ID: id, DisplayName: name, Label: name}
}

// CollectionState holds the candidate pool of a session.
// Pool only grows; duplicates across fetches are kept.
type CollectionState struct {
	Pool []UserRecord `json:"pool"`
	// Cursor is the start cursor requested by the collection in flight, nil
	// when none runs. Progress through later pages is not tracked here.
	Cursor *string `json:"cursor,omitempty"`
}

// DrawState records the draw history of a session.
type DrawState struct {
	Winners []UserRecord `json:"winners"`
	// PendingIndex points into the pool while a wheel spin is in progress.
	PendingIndex *int `json:"pendingIndex,omitempty"`
}

// DrawResult is the outcome of a single spin, before it is recorded.
type DrawResult struct {
	Index  int        `json:"index"`
	Winner UserRecord `json:"winner"`
}

// Segment is a pool entry decorated for the wheel.
type Segment struct {
	Option          string `json:"option"`
	BackgroundColor string `json:"backgroundColor"`
}

// SegmentPalette cycles across wheel segments.
var SegmentPalette = []string{
	"#FF6384", "#36A2EB", "#FFCE56", "#FF9F40", "#4BC0C0",
	"#9966FF", "#FF6384", "#36A2EB", "#FFCE56", "#FF9F40",
}

// Segments maps the pool onto wheel segments in pool order.
func Segments(pool []UserRecord) []Segment {
	segments := make([]Segment, len(pool))
	for i, u := range pool {
		segments[i] = Segment{
			Option:          u.Label,
			BackgroundColor: SegmentPalette[i%len(SegmentPalette)],
		}
	}
	return segments
}

// Snapshot is a read-only copy of a session, safe to render or serialize.
type Snapshot struct {
	Pool               []UserRecord `json:"pool"`
	Segments           []Segment    `json:"segments"`
	Winners            []UserRecord `json:"winners"`
	PendingIndex       *int         `json:"pendingIndex,omitempty"`
	Collecting         bool         `json:"collecting"`
	AllowRepeatWinners bool         `json:"allowRepeatWinners"`
}
