package caldav

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"caldavtasks/backend"
)

// PutTask uploads the task. With an empty ifMatch the write only succeeds
// if the resource does not exist yet (If-None-Match: *). Weak ETags are
// reported as empty, since they do not identify the stored bytes.
func (c *Client) PutTask(ctx context.Context, list backend.TaskList, task backend.Task, ifMatch string) (string, error) {
	content, err := EncodeTask(task)
	if err != nil {
		return "", err
	}
	href := task.Href
	if href == "" {
		href = backend.TaskHref(list.Href, task.UID)
	}

	headers := map[string]string{
		"Content-Type": "text/calendar; charset=utf-8",
	}
	if ifMatch == "" {
		headers["If-None-Match"] = "*"
	} else {
		headers["If-Match"] = ifMatch
	}

	resp, err := c.do(ctx, "PutTask", "PUT", href, content, headers)
	if err != nil {
		return "", withTask(err, task.UID, list.ID)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkHTTPResponse(resp, "PutTask", 200, 201, 204); err != nil {
		return "", withTask(err, task.UID, list.ID)
	}

	etag := resp.Header.Get("ETag")
	if strings.HasPrefix(etag, "W/") {
		etag = ""
	}
	return etag, nil
}

// DeleteTask removes the resource at href. A non-empty ifMatch makes the
// delete conditional.
func (c *Client) DeleteTask(ctx context.Context, href, ifMatch string) error {
	var headers map[string]string
	if ifMatch != "" {
		headers = map[string]string{"If-Match": ifMatch}
	}
	resp, err := c.do(ctx, "DeleteTask", "DELETE", href, "", headers)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	return checkHTTPResponse(resp, "DeleteTask", 200, 204)
}

var nonSlug = regexp.MustCompile(`[^a-z0-9-]+`)

// collectionSlug derives a path segment from a display name.
func collectionSlug(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = strings.ReplaceAll(slug, " ", "-")
	slug = strings.Trim(nonSlug.ReplaceAllString(slug, ""), "-")
	if slug == "" {
		slug = "tasks"
	}
	return slug + "-" + uuid.NewString()[:8]
}

// CreateCollection creates a VTODO-only calendar with an extended MKCOL.
func (c *Client) CreateCollection(ctx context.Context, name, description, color string) (backend.TaskList, error) {
	home, err := c.Discover(ctx)
	if err != nil {
		return backend.TaskList{}, err
	}
	id := collectionSlug(name)
	href := home + id + "/"

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8" ?>
<d:mkcol xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav" xmlns:ic="http://apple.com/ns/ical/">
  <d:set>
    <d:prop>
      <d:resourcetype>
        <d:collection/>
        <c:calendar/>
      </d:resourcetype>
      <d:displayname>` + xmlEscape(name) + `</d:displayname>
      <c:supported-calendar-component-set>
        <c:comp name="VTODO"/>
      </c:supported-calendar-component-set>`)
	if description != "" {
		b.WriteString(`
      <c:calendar-description>` + xmlEscape(description) + `</c:calendar-description>`)
	}
	if color != "" {
		b.WriteString(`
      <ic:calendar-color>` + xmlEscape(color) + `</ic:calendar-color>`)
	}
	b.WriteString(`
    </d:prop>
  </d:set>
</d:mkcol>`)

	headers := map[string]string{
		"Content-Type": "application/xml; charset=utf-8",
	}
	resp, err := c.do(ctx, "CreateTaskList", "MKCOL", href, b.String(), headers)
	if err != nil {
		return backend.TaskList{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkHTTPResponse(resp, "CreateTaskList", 201); err != nil {
		return backend.TaskList{}, withList(err, id)
	}

	return backend.TaskList{
		ID:          id,
		Href:        href,
		Name:        name,
		Description: description,
		Color:       color,
	}, nil
}

// RenameCollection sets a new displayname with PROPPATCH.
func (c *Client) RenameCollection(ctx context.Context, list backend.TaskList, name string) error {
	body := `<?xml version="1.0" encoding="utf-8" ?>
<d:propertyupdate xmlns:d="DAV:">
  <d:set>
    <d:prop>
      <d:displayname>` + xmlEscape(name) + `</d:displayname>
    </d:prop>
  </d:set>
</d:propertyupdate>`

	headers := map[string]string{
		"Content-Type": "application/xml; charset=utf-8",
	}
	resp, err := c.do(ctx, "RenameTaskList", "PROPPATCH", list.Href, body, headers)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkHTTPResponse(resp, "RenameTaskList", 200, 207); err != nil {
		return withList(err, list.ID)
	}
	if resp.StatusCode != 207 {
		return nil
	}

	data, err := readBody(resp, "RenameTaskList")
	if err != nil {
		return err
	}
	ms, err := parseMultistatus(data)
	if err != nil {
		return err
	}
	for _, r := range ms.Responses {
		if code := r.failed(); code != 0 {
			return backend.NewBackendError("RenameTaskList", code, fmt.Sprintf("server refused to rename %q", list.Name)).
				WithListID(list.ID).WithBody(string(data))
		}
	}
	return nil
}

// DeleteCollection deletes the list and every task in it.
func (c *Client) DeleteCollection(ctx context.Context, list backend.TaskList) error {
	resp, err := c.do(ctx, "DeleteTaskList", "DELETE", list.Href, "", nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	return withList(checkHTTPResponse(resp, "DeleteTaskList", 200, 204), list.ID)
}

func withTask(err error, uid, listID string) error {
	if be, ok := backend.AsBackendError(err); ok {
		if be.TaskUID == "" {
			be.WithTaskUID(uid)
		}
		if be.ListID == "" {
			be.WithListID(listID)
		}
	}
	return err
}
