package caldav

import (
	"context"
	"fmt"
	"strings"

	"caldavtasks/backend"
	"caldavtasks/internal/utils"
)

// MultigetBatchSize caps the hrefs sent in one calendar-multiget.
const MultigetBatchSize = 50

const timeRangeFormat = "20060102T150405Z"

// buildCalendarQuery renders a calendar-query REPORT for VTODOs. Only the
// filter parts a server can evaluate are sent: open tasks (COMPLETED not
// defined) and a DUE time range. The rest is applied client side.
func buildCalendarQuery(filter *backend.TaskFilter, withData bool) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8" ?>
<c:calendar-query xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:prop>
    <d:getetag />`)
	if withData {
		b.WriteString(`
    <c:calendar-data />`)
	}
	b.WriteString(`
  </d:prop>
  <c:filter>
    <c:comp-filter name="VCALENDAR">
      <c:comp-filter name="VTODO">`)

	if filter != nil {
		if onlyOpen(filter) {
			b.WriteString(`
        <c:prop-filter name="COMPLETED">
          <c:is-not-defined/>
        </c:prop-filter>`)
		}
		if filter.DueAfter != nil || filter.DueBefore != nil {
			b.WriteString(`
        <c:prop-filter name="DUE">
          <c:time-range`)
			if filter.DueAfter != nil {
				fmt.Fprintf(&b, ` start="%s"`, filter.DueAfter.UTC().Format(timeRangeFormat))
			}
			if filter.DueBefore != nil {
				fmt.Fprintf(&b, ` end="%s"`, filter.DueBefore.UTC().Format(timeRangeFormat))
			}
			b.WriteString(`/>
        </c:prop-filter>`)
		}
	}

	b.WriteString(`
      </c:comp-filter>
    </c:comp-filter>
  </c:filter>
</c:calendar-query>`)
	return b.String()
}

// onlyOpen reports whether the filter can never match a completed task.
func onlyOpen(filter *backend.TaskFilter) bool {
	for _, s := range filter.ExcludeStatuses {
		if strings.EqualFold(s, backend.StatusCompleted) {
			return true
		}
	}
	if len(filter.Statuses) == 0 {
		return false
	}
	for _, s := range filter.Statuses {
		if strings.EqualFold(s, backend.StatusCompleted) {
			return false
		}
	}
	return true
}

func buildMultiget(hrefs []string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8" ?>
<c:calendar-multiget xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:prop>
    <d:getetag />
    <c:calendar-data />
  </d:prop>`)
	for _, href := range hrefs {
		b.WriteString("\n  <d:href>")
		b.WriteString(xmlEscape(href))
		b.WriteString("</d:href>")
	}
	b.WriteString("\n</c:calendar-multiget>")
	return b.String()
}

// FetchTasks runs a calendar-query on the list and returns the decoded
// tasks that pass the filter.
func (c *Client) FetchTasks(ctx context.Context, list backend.TaskList, filter *backend.TaskFilter) ([]backend.Task, error) {
	ms, err := c.report(ctx, "GetTasks", list.Href, buildCalendarQuery(filter, true))
	if err != nil {
		return nil, withList(err, list.ID)
	}
	tasks := c.tasksFromMultistatus(ms, list)
	return backend.FilterTasks(tasks, filter), nil
}

// FetchETags returns href -> etag for every VTODO resource in the list.
func (c *Client) FetchETags(ctx context.Context, list backend.TaskList) (map[string]string, error) {
	ms, err := c.report(ctx, "GetETags", list.Href, buildCalendarQuery(nil, false))
	if err != nil {
		return nil, withList(err, list.ID)
	}
	listHref := c.absPath(list.Href)
	etags := make(map[string]string, len(ms.Responses))
	for _, r := range ms.Responses {
		if !r.ok() {
			continue
		}
		href := backend.NormalizeHref(r.Href)
		if href == listHref {
			continue
		}
		if etag := r.props().GetETag; etag != "" {
			etags[href] = etag
		}
	}
	return etags, nil
}

// Multiget fetches the given resources with calendar-multiget, in batches
// of MultigetBatchSize. Hrefs the server reports as missing are omitted.
func (c *Client) Multiget(ctx context.Context, list backend.TaskList, hrefs []string) ([]backend.Task, error) {
	var tasks []backend.Task
	for start := 0; start < len(hrefs); start += MultigetBatchSize {
		end := start + MultigetBatchSize
		if end > len(hrefs) {
			end = len(hrefs)
		}
		ms, err := c.report(ctx, "Multiget", list.Href, buildMultiget(hrefs[start:end]))
		if err != nil {
			return nil, withList(err, list.ID)
		}
		tasks = append(tasks, c.tasksFromMultistatus(ms, list)...)
	}
	return tasks, nil
}

// tasksFromMultistatus decodes calendar-data of each successful response.
// Objects that fail to decode are logged and skipped so one bad resource
// does not block the list.
func (c *Client) tasksFromMultistatus(ms *multistatus, list backend.TaskList) []backend.Task {
	var tasks []backend.Task
	for _, r := range ms.Responses {
		if !r.ok() {
			continue
		}
		p := r.props()
		if p.CalendarData == "" {
			continue
		}
		task, ok, err := DecodeObject(p.CalendarData)
		if err != nil {
			utils.Warnf("Skipping unreadable task %s in list %s: %v", r.Href, list.ID, err)
			continue
		}
		if !ok {
			continue
		}
		task.Href = backend.NormalizeHref(r.Href)
		task.ETag = p.GetETag
		tasks = append(tasks, task)
	}
	return tasks
}

func withList(err error, listID string) error {
	if be, ok := backend.AsBackendError(err); ok && be.ListID == "" {
		be.WithListID(listID)
	}
	return err
}
