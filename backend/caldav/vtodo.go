package caldav

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"caldavtasks/backend"
)

const prodID = "-//caldavtasks//caldavtasks//EN"

const (
	propUID          = "UID"
	propSummary      = "SUMMARY"
	propDescription  = "DESCRIPTION"
	propStatus       = "STATUS"
	propPriority     = "PRIORITY"
	propPercent      = "PERCENT-COMPLETE"
	propCreated      = "CREATED"
	propLastModified = "LAST-MODIFIED"
	propDTStamp      = "DTSTAMP"
	propDue          = "DUE"
	propStart        = "DTSTART"
	propCompleted    = "COMPLETED"
	propCategories   = "CATEGORIES"
	propRelatedTo    = "RELATED-TO"
	propRecurrenceID = "RECURRENCE-ID"
)

// modelledProps are rewritten from the Task on every encode. Everything
// else in a VTODO is carried over from the raw object.
var modelledProps = []string{
	propUID, propSummary, propDescription, propStatus, propPriority, propPercent,
	propCreated, propLastModified, propDTStamp, propDue, propStart, propCompleted,
	propCategories,
}

const (
	utcFormat   = "20060102T150405Z"
	localFormat = "20060102T150405"
	dateFormat  = "20060102"
)

// normalizeLineEndings restores the CRLF line breaks that XML transport
// turns into LF, so folded lines unfold correctly.
func normalizeLineEndings(data string) string {
	data = strings.ReplaceAll(data, "\r\n", "\n")
	data = strings.TrimRight(data, "\n")
	return strings.ReplaceAll(data, "\n", "\r\n") + "\r\n"
}

func decodeCalendars(data string) ([]*ical.Calendar, error) {
	dec := ical.NewDecoder(strings.NewReader(normalizeLineEndings(data)))
	var cals []*ical.Calendar
	for {
		cal, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode calendar object: %w", err)
		}
		cals = append(cals, cal)
	}
	return cals, nil
}

// DecodeTasks returns every VTODO with a UID found in data. Recurrence
// overrides (VTODOs with RECURRENCE-ID) are not returned separately.
func DecodeTasks(data string) ([]backend.Task, error) {
	cals, err := decodeCalendars(data)
	if err != nil {
		return nil, err
	}
	var tasks []backend.Task
	for _, cal := range cals {
		for _, comp := range cal.Children {
			if comp.Name != ical.CompToDo || firstProp(comp.Props, propRecurrenceID) != nil {
				continue
			}
			task, err := taskFromComponent(comp)
			if err != nil {
				return nil, err
			}
			if task.UID == "" {
				continue
			}
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

// DecodeObject decodes one calendar resource. ok is false when the object
// holds no VTODO with a UID. The returned task keeps data as Raw.
func DecodeObject(data string) (task backend.Task, ok bool, err error) {
	tasks, err := DecodeTasks(data)
	if err != nil || len(tasks) == 0 {
		return backend.Task{}, false, err
	}
	task = tasks[0]
	task.Raw = normalizeLineEndings(data)
	return task, true, nil
}

func taskFromComponent(comp *ical.Component) (backend.Task, error) {
	var task backend.Task
	props := comp.Props

	task.UID = textProp(props, propUID)
	task.Summary = textProp(props, propSummary)
	task.Description = textProp(props, propDescription)
	task.Status = strings.ToUpper(textProp(props, propStatus))
	task.Priority = clamp(intProp(props, propPriority), 0, 9)
	task.PercentComplete = clamp(intProp(props, propPercent), 0, 100)

	var err error
	if task.Created, _, err = timeProp(props, propCreated); err != nil {
		return task, err
	}
	if task.Modified, _, err = timeProp(props, propLastModified); err != nil {
		return task, err
	}
	if task.Modified.IsZero() {
		if task.Modified, _, err = timeProp(props, propDTStamp); err != nil {
			return task, err
		}
	}

	due, dueAllDay, err := timeProp(props, propDue)
	if err != nil {
		return task, err
	}
	if !due.IsZero() {
		task.DueDate = &due
	}
	start, startAllDay, err := timeProp(props, propStart)
	if err != nil {
		return task, err
	}
	if !start.IsZero() {
		task.StartDate = &start
	}
	task.AllDay = dueAllDay || (task.DueDate == nil && startAllDay)

	completed, _, err := timeProp(props, propCompleted)
	if err != nil {
		return task, err
	}
	if !completed.IsZero() {
		task.Completed = &completed
	}

	if task.Status == "" {
		if task.Completed != nil {
			task.Status = backend.StatusCompleted
		} else {
			task.Status = backend.StatusNeedsAction
		}
	}

	for _, p := range props[propCategories] {
		for _, c := range splitTextList(p.Value) {
			if c = strings.TrimSpace(c); c != "" {
				task.Categories = append(task.Categories, c)
			}
		}
	}

	for _, p := range props[propRelatedTo] {
		reltype := strings.ToUpper(paramValue(p, "RELTYPE"))
		if reltype == "" || reltype == "PARENT" {
			task.ParentUID = strings.TrimSpace(p.Value)
			break
		}
	}

	return task, nil
}

// EncodeTask renders the task as an iCalendar object. When task.Raw holds
// the object last received from the server, its other properties and
// components (alarms, RRULE, X- properties, timezones) are preserved.
func EncodeTask(task backend.Task) (string, error) {
	return encodeTask(task, time.Now())
}

func encodeTask(task backend.Task, now time.Time) (string, error) {
	if task.UID == "" {
		return "", fmt.Errorf("task has no UID")
	}

	cal, todo := baseComponent(task)
	setProp(cal.Props, "PRODID", prodID, nil)
	setProp(cal.Props, "VERSION", "2.0", nil)

	props := todo.Props
	for _, name := range modelledProps {
		delete(props, name)
	}

	setProp(props, propUID, task.UID, nil)
	setProp(props, propDTStamp, now.UTC().Format(utcFormat), nil)
	setProp(props, propSummary, escapeText(task.Summary), nil)
	if task.Description != "" {
		setProp(props, propDescription, escapeText(task.Description), nil)
	}
	status := task.Status
	if status == "" {
		status = backend.StatusNeedsAction
	}
	setProp(props, propStatus, status, nil)
	if task.Priority > 0 {
		setProp(props, propPriority, strconv.Itoa(clamp(task.Priority, 0, 9)), nil)
	}
	if task.PercentComplete > 0 {
		setProp(props, propPercent, strconv.Itoa(clamp(task.PercentComplete, 0, 100)), nil)
	}
	if !task.Created.IsZero() {
		setProp(props, propCreated, task.Created.UTC().Format(utcFormat), nil)
	}
	modified := task.Modified
	if modified.IsZero() {
		modified = now
	}
	setProp(props, propLastModified, modified.UTC().Format(utcFormat), nil)
	if task.DueDate != nil {
		setTimeProp(props, propDue, *task.DueDate, task.AllDay)
	}
	if task.StartDate != nil {
		setTimeProp(props, propStart, *task.StartDate, task.AllDay)
	}
	if task.Completed != nil {
		setProp(props, propCompleted, task.Completed.UTC().Format(utcFormat), nil)
	}
	if len(task.Categories) > 0 {
		escaped := make([]string, len(task.Categories))
		for i, c := range task.Categories {
			escaped[i] = escapeText(c)
		}
		setProp(props, propCategories, strings.Join(escaped, ","), nil)
	}

	var related []ical.Prop
	for _, p := range props[propRelatedTo] {
		reltype := strings.ToUpper(paramValue(p, "RELTYPE"))
		if reltype != "" && reltype != "PARENT" {
			related = append(related, p)
		}
	}
	if task.ParentUID != "" {
		related = append(related, ical.Prop{Name: propRelatedTo, Params: make(ical.Params), Value: task.ParentUID})
	}
	if len(related) > 0 {
		props[propRelatedTo] = related
	} else {
		delete(props, propRelatedTo)
	}

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return "", fmt.Errorf("failed to encode task %s: %w", task.UID, err)
	}
	return buf.String(), nil
}

// baseComponent returns the calendar to write into and its master VTODO,
// starting from the raw object when it decodes and matches the UID.
func baseComponent(task backend.Task) (*ical.Calendar, *ical.Component) {
	if task.Raw != "" {
		if cals, err := decodeCalendars(task.Raw); err == nil && len(cals) > 0 {
			cal := cals[0]
			for _, comp := range cal.Children {
				if comp.Name != ical.CompToDo || firstProp(comp.Props, propRecurrenceID) != nil {
					continue
				}
				if textProp(comp.Props, propUID) == task.UID {
					if comp.Props == nil {
						comp.Props = make(ical.Props)
					}
					return cal, comp
				}
			}
		}
	}
	cal := ical.NewCalendar()
	todo := ical.NewComponent(ical.CompToDo)
	cal.Children = append(cal.Children, todo)
	return cal, todo
}

func firstProp(props ical.Props, name string) *ical.Prop {
	if list := props[name]; len(list) > 0 {
		return &list[0]
	}
	return nil
}

func setProp(props ical.Props, name, value string, params ical.Params) {
	if params == nil {
		params = make(ical.Params)
	}
	props[name] = []ical.Prop{{Name: name, Params: params, Value: value}}
}

func setTimeProp(props ical.Props, name string, t time.Time, allDay bool) {
	if allDay {
		setProp(props, name, t.UTC().Format(dateFormat), ical.Params{"VALUE": []string{"DATE"}})
		return
	}
	setProp(props, name, t.UTC().Format(utcFormat), nil)
}

func paramValue(p ical.Prop, name string) string {
	for k, v := range p.Params {
		if strings.EqualFold(k, name) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

func textProp(props ical.Props, name string) string {
	p := firstProp(props, name)
	if p == nil {
		return ""
	}
	if text, err := p.Text(); err == nil {
		return text
	}
	return unescapeText(p.Value)
}

func intProp(props ical.Props, name string) int {
	p := firstProp(props, name)
	if p == nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(p.Value))
	if err != nil {
		return 0
	}
	return n
}

// timeProp parses a DATE or DATE-TIME property. UTC, TZID-qualified and
// floating (local) values are returned in UTC; dates are midnight UTC with
// allDay set. A missing property yields the zero time.
func timeProp(props ical.Props, name string) (t time.Time, allDay bool, err error) {
	p := firstProp(props, name)
	if p == nil {
		return time.Time{}, false, nil
	}
	return parseICalTime(*p)
}

func parseICalTime(p ical.Prop) (time.Time, bool, error) {
	v := strings.TrimSpace(p.Value)
	if v == "" {
		return time.Time{}, false, nil
	}
	if strings.EqualFold(paramValue(p, "VALUE"), "DATE") || len(v) == len(dateFormat) {
		t, err := time.Parse(dateFormat, v)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("invalid %s date %q: %w", p.Name, v, err)
		}
		return t, true, nil
	}
	if strings.HasSuffix(v, "Z") {
		t, err := time.Parse(utcFormat, v)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("invalid %s time %q: %w", p.Name, v, err)
		}
		return t, false, nil
	}
	loc := time.Local
	if tzid := paramValue(p, "TZID"); tzid != "" {
		if l, err := time.LoadLocation(strings.TrimPrefix(tzid, "/")); err == nil {
			loc = l
		}
	}
	t, err := time.ParseInLocation(localFormat, v, loc)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid %s time %q: %w", p.Name, v, err)
	}
	return t.UTC(), false, nil
}

var textEscaper = strings.NewReplacer(`\`, `\\`, ";", `\;`, ",", `\,`, "\r\n", `\n`, "\n", `\n`)

func escapeText(s string) string {
	return textEscaper.Replace(s)
}

func unescapeText(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 == len(s) {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n', 'N':
			b.WriteByte('\n')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// splitTextList splits a comma separated TEXT list, honouring escaped
// commas, and unescapes each item.
func splitTextList(v string) []string {
	var items []string
	start := 0
	for i := 0; i < len(v); i++ {
		switch v[i] {
		case '\\':
			i++
		case ',':
			items = append(items, unescapeText(v[start:i]))
			start = i + 1
		}
	}
	return append(items, unescapeText(v[start:]))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
