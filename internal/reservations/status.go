package reservations

type Status string

const (
	StatusPendingTeacher  Status = "PENDING_TEACHER_APPROVAL"
	StatusTeacherApproved Status = "TEACHER_APPROVED"
	StatusApproved        Status = "APPROVED"
	StatusRejected        Status = "REJECTED"
	StatusReturned        Status = "RETURNED"
)

var validNext = map[Status]map[Status]bool{
	StatusPendingTeacher:  {StatusTeacherApproved: true, StatusRejected: true},
	StatusTeacherApproved: {StatusApproved: true, StatusRejected: true},
	StatusApproved:        {StatusReturned: true},
	StatusRejected:        {},
	StatusReturned:        {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// Active reports whether a reservation in this status still claims capacity.
func (s Status) Active() bool {
	switch s {
	case StatusPendingTeacher, StatusTeacherApproved, StatusApproved:
		return true
	}
	return false
}

// ActiveStatuses lists the statuses scanned by admission control.
func ActiveStatuses() []Status {
	return []Status{StatusPendingTeacher, StatusTeacherApproved, StatusApproved}
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}
