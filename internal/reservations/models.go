package reservations

import "time"

type Item struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	TotalQuantity  int        `json:"total_quantity"`
	LastBorrowedBy string     `json:"last_borrowed_by,omitempty"`
	LastBorrowedAt *time.Time `json:"last_borrowed_at,omitempty"`
	LastReturnedAt *time.Time `json:"last_returned_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type Line struct {
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
}

// Requester is copied from the user directory when the request is created
// and never refreshed afterwards.
type Requester struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Course string `json:"course,omitempty"`
	Year   string `json:"year,omitempty"`
}

// Approval records who moved a reservation through an approval stage.
type Approval struct {
	ByID   string    `json:"by_id"`
	ByName string    `json:"by_name"`
	At     time.Time `json:"at"`
}

type Reservation struct {
	ID          string    `json:"id"`
	RequestedAt time.Time `json:"requested_at"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Lines       []Line    `json:"lines"`
	Requester   Requester `json:"requester"`
	Status      Status    `json:"status"`

	Purpose           string   `json:"purpose,omitempty"`
	RoomNumber        string   `json:"room_number,omitempty"`
	LabSection        string   `json:"lab_section,omitempty"`
	GroupMembers      []string `json:"group_members,omitempty"`
	AssignedTeacherID string   `json:"assigned_teacher_id,omitempty"`

	Teacher      *Approval `json:"teacher_approval,omitempty"`
	LabAssistant *Approval `json:"lab_approval,omitempty"`

	ReturnedAt *time.Time `json:"returned_at,omitempty"`
	IsLate     bool       `json:"is_late"`
	DaysLate   int        `json:"days_late"`
	HoursLate  int        `json:"hours_late"`

	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
}

// QuantityFor returns the quantity this reservation holds of itemID, zero
// when the item is not one of its lines.
func (r Reservation) QuantityFor(itemID string) int {
	n := 0
	for _, l := range r.Lines {
		if l.ItemID == itemID {
			n += l.Quantity
		}
	}
	return n
}

func (r Reservation) Contains(itemID string) bool {
	for _, l := range r.Lines {
		if l.ItemID == itemID {
			return true
		}
	}
	return false
}

// Overlaps uses half-open windows: touching endpoints do not overlap.
func (r Reservation) Overlaps(start, end time.Time) bool {
	return r.WindowStart.Before(end) && r.WindowEnd.After(start)
}

// ItemIDs returns the distinct item ids of the lines in first-seen order.
func (r Reservation) ItemIDs() []string {
	return lineItemIDs(r.Lines)
}

func (r Reservation) clone() Reservation {
	cp := r
	cp.Lines = append([]Line(nil), r.Lines...)
	cp.GroupMembers = append([]string(nil), r.GroupMembers...)
	if r.Teacher != nil {
		t := *r.Teacher
		cp.Teacher = &t
	}
	if r.LabAssistant != nil {
		l := *r.LabAssistant
		cp.LabAssistant = &l
	}
	if r.ReturnedAt != nil {
		at := *r.ReturnedAt
		cp.ReturnedAt = &at
	}
	return cp
}

// Profile is the user directory entry used for requester snapshots.
type Profile struct {
	ID     string
	Name   string
	Email  string
	Course string
	Year   string
}

type LateStats struct {
	UserID             string     `json:"user_id"`
	LateReturnCount    int        `json:"late_return_count"`
	LastLateReturnDate *time.Time `json:"last_late_return_date,omitempty"`
}

// History is a user's borrowing record.
type History struct {
	LateStats
	Requests               []Reservation `json:"requests"`
	TotalRequests          int           `json:"total_requests"`
	LateReturnsFromHistory int           `json:"late_returns_from_history"`
}

func lineItemIDs(lines []Line) []string {
	seen := make(map[string]struct{}, len(lines))
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if _, ok := seen[l.ItemID]; ok {
			continue
		}
		seen[l.ItemID] = struct{}{}
		out = append(out, l.ItemID)
	}
	return out
}
