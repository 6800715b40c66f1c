package api

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"linkgate/internal/domain"
)

// EventPayload is the body of POST /api/send-event-messages.
type EventPayload struct {
	Event EventInfo     `json:"event"`
	Staff []EventMember `json:"staff"`
}

type EventInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Location    string `json:"location"`
	StartDate   string `json:"start_date"`
	EndDate     string `json:"end_date"`
	Description string `json:"description"`
}

// EventMember is one staff member and the event days they are assigned to.
type EventMember struct {
	StaffID string          `json:"staff_id"`
	Name    string          `json:"name"`
	Phone   string          `json:"phone"`
	Days    []DayAssignment `json:"days"`
}

type DayAssignment struct {
	DayNumber int    `json:"day_number"`
	Date      string `json:"date"`
	Role      string `json:"role"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Notes     string `json:"notes"`
}

// TaskPayload is the body of POST /api/send-task-messages.
type TaskPayload struct {
	Task  TaskInfo     `json:"task"`
	Staff []TaskMember `json:"staff"`
}

type TaskInfo struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	DueDate     string `json:"due_date"`
	Priority    string `json:"priority"`
}

type TaskMember struct {
	StaffID string `json:"staff_id"`
	Name    string `json:"name"`
	Phone   string `json:"phone"`
}

func (p EventPayload) validate() error {
	var errs []error
	if strings.TrimSpace(p.Event.Name) == "" {
		errs = append(errs, errors.New("event.name is required"))
	}
	if len(p.Staff) == 0 {
		errs = append(errs, errors.New("staff must not be empty"))
	}
	for i, m := range p.Staff {
		if strings.TrimSpace(m.Phone) == "" {
			errs = append(errs, fmt.Errorf("staff[%d].phone is required", i))
		}
	}
	return errors.Join(errs...)
}

func (p TaskPayload) validate() error {
	var errs []error
	if strings.TrimSpace(p.Task.Title) == "" {
		errs = append(errs, errors.New("task.title is required"))
	}
	if len(p.Staff) == 0 {
		errs = append(errs, errors.New("staff must not be empty"))
	}
	for i, m := range p.Staff {
		if strings.TrimSpace(m.Phone) == "" {
			errs = append(errs, fmt.Errorf("staff[%d].phone is required", i))
		}
	}
	return errors.Join(errs...)
}

// ComposeEventMessages expands p into one message per staff member and
// day assignment, ordered by day number. Members without assignments get
// one general message ordered first. The sort is stable so members keep
// their payload order within a day.
func ComposeEventMessages(p EventPayload) []domain.QueuedMessage {
	var msgs []domain.QueuedMessage
	for _, m := range p.Staff {
		if len(m.Days) == 0 {
			msgs = append(msgs, domain.QueuedMessage{
				Destination: m.Phone,
				Body:        eventText(p.Event, m, nil),
				Kind:        domain.KindEvent,
				EventID:     p.Event.ID,
				StaffID:     m.StaffID,
			})
			continue
		}
		for i := range m.Days {
			day := m.Days[i]
			msgs = append(msgs, domain.QueuedMessage{
				Destination: m.Phone,
				Body:        eventText(p.Event, m, &day),
				Kind:        domain.KindEvent,
				EventID:     p.Event.ID,
				StaffID:     m.StaffID,
				DayNumber:   day.DayNumber,
			})
		}
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].DayNumber < msgs[j].DayNumber })
	return msgs
}

// ComposeTaskMessages builds one message per staff member in payload order.
func ComposeTaskMessages(p TaskPayload) []domain.QueuedMessage {
	msgs := make([]domain.QueuedMessage, 0, len(p.Staff))
	for _, m := range p.Staff {
		msgs = append(msgs, domain.QueuedMessage{
			Destination: m.Phone,
			Body:        taskText(p.Task, m),
			Kind:        domain.KindTask,
			TaskID:      p.Task.ID,
			StaffID:     m.StaffID,
		})
	}
	return msgs
}

func eventText(ev EventInfo, m EventMember, day *DayAssignment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s,\n\n", nameOr(m.Name))
	fmt.Fprintf(&b, "You are assigned to *%s*", ev.Name)
	if day != nil {
		fmt.Fprintf(&b, " (Day %d)", day.DayNumber)
	}
	b.WriteString(".\n")

	line(&b, "Location", ev.Location)
	if day != nil {
		line(&b, "Date", day.Date)
		line(&b, "Time", timeRange(day.StartTime, day.EndTime))
		line(&b, "Role", day.Role)
		line(&b, "Notes", day.Notes)
	} else {
		line(&b, "Dates", dateRange(ev.StartDate, ev.EndDate))
	}
	if ev.Description != "" {
		b.WriteString("\n")
		b.WriteString(ev.Description)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func taskText(t TaskInfo, m TaskMember) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s,\n\n", nameOr(m.Name))
	fmt.Fprintf(&b, "A new task has been assigned to you: *%s*.\n", t.Title)
	line(&b, "Due", t.DueDate)
	line(&b, "Priority", t.Priority)
	if t.Description != "" {
		b.WriteString("\n")
		b.WriteString(t.Description)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func line(b *strings.Builder, label, value string) {
	if value = strings.TrimSpace(value); value != "" {
		fmt.Fprintf(b, "%s: %s\n", label, value)
	}
}

func nameOr(name string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return "there"
}

func timeRange(start, end string) string {
	switch {
	case start != "" && end != "":
		return start + " - " + end
	case start != "":
		return "from " + start
	default:
		return end
	}
}

func dateRange(start, end string) string {
	if start != "" && end != "" && start != end {
		return start + " to " + end
	}
	if start != "" {
		return start
	}
	return end
}
