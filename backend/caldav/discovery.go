package caldav

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"caldavtasks/backend"
	"caldavtasks/internal/utils"
)

const principalPropfind = `<?xml version="1.0" encoding="utf-8" ?>
<d:propfind xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:prop>
    <d:current-user-principal />
    <c:calendar-home-set />
  </d:prop>
</d:propfind>`

const homeSetPropfind = `<?xml version="1.0" encoding="utf-8" ?>
<d:propfind xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:prop>
    <c:calendar-home-set />
  </d:prop>
</d:propfind>`

const collectionsPropfind = `<?xml version="1.0" encoding="utf-8" ?>
<d:propfind xmlns:d="DAV:" xmlns:cs="http://calendarserver.org/ns/" xmlns:c="urn:ietf:params:xml:ns:caldav" xmlns:ic="http://apple.com/ns/ical/" xmlns:nc="http://nextcloud.com/ns">
  <d:prop>
    <d:resourcetype />
    <d:displayname />
    <d:sync-token />
    <cs:getctag />
    <c:supported-calendar-component-set />
    <c:calendar-description />
    <ic:calendar-color />
    <nc:deleted-at />
  </d:prop>
</d:propfind>`

// ErrNoCalendarHome is returned when no discovery path leads to a
// calendar home.
var ErrNoCalendarHome = errors.New("no CalDAV calendar home found")

// Discover locates the calendar home of the account and caches it.
//
// nextcloud:// URLs map straight to /remote.php/dav/calendars/<user>/.
// Otherwise the configured path, /.well-known/caldav and /remote.php/dav/
// are tried in turn for current-user-principal, whose calendar-home-set
// is then read. Authentication failures end discovery at once.
func (c *Client) Discover(ctx context.Context) (string, error) {
	c.mu.Lock()
	home := c.home
	c.mu.Unlock()
	if home != "" {
		return home, nil
	}

	if c.nextcloud {
		home = c.startPath + "/remote.php/dav/calendars/" + url.PathEscape(c.username) + "/"
		home = backend.NormalizeHref(home)
	} else {
		var err error
		home, err = c.discoverHome(ctx)
		if err != nil {
			return "", err
		}
	}

	utils.Debugf("CalDAV calendar home for %s: %s", c.username, home)
	c.mu.Lock()
	c.home = home
	c.mu.Unlock()
	return home, nil
}

func (c *Client) discoverHome(ctx context.Context) (string, error) {
	var candidates []string
	if c.startPath != "" {
		candidates = append(candidates, c.startPath+"/")
	}
	candidates = append(candidates, "/.well-known/caldav", "/remote.php/dav/")

	var errs []error
	for _, candidate := range candidates {
		home, err := c.homeFrom(ctx, candidate)
		if err == nil && home != "" {
			return home, nil
		}
		if err != nil {
			if backend.IsUnauthorized(err) || ctx.Err() != nil {
				return "", err
			}
			errs = append(errs, fmt.Errorf("%s: %w", candidate, err))
		}
	}
	if len(errs) > 0 {
		return "", fmt.Errorf("%w: %w", ErrNoCalendarHome, errors.Join(errs...))
	}
	return "", ErrNoCalendarHome
}

// homeFrom asks href for the principal (or directly for the home set) and
// follows the principal to its calendar-home-set.
func (c *Client) homeFrom(ctx context.Context, href string) (string, error) {
	ms, err := c.propfind(ctx, "Discover", href, "0", principalPropfind)
	if err != nil {
		return "", err
	}

	var principal string
	for _, r := range ms.Responses {
		p := r.props()
		if p.CalendarHomeSet != nil && p.CalendarHomeSet.Href != "" {
			return c.absPath(p.CalendarHomeSet.Href), nil
		}
		if p.CurrentUserPrincipal != nil && p.CurrentUserPrincipal.Href != "" {
			principal = p.CurrentUserPrincipal.Href
		}
	}
	if principal == "" {
		return "", nil
	}

	ms, err = c.propfind(ctx, "Discover", c.absPath(principal), "0", homeSetPropfind)
	if err != nil {
		return "", err
	}
	for _, r := range ms.Responses {
		p := r.props()
		if p.CalendarHomeSet != nil && p.CalendarHomeSet.Href != "" {
			return c.absPath(p.CalendarHomeSet.Href), nil
		}
	}
	return "", nil
}

// absPath reduces a possibly absolute href to a normalized path ending in
// a slash.
func (c *Client) absPath(href string) string {
	p := backend.NormalizeHref(href)
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// ListCollections returns the calendar collections in the home that accept
// VTODO. Trash bins, scheduling inboxes and outboxes, and calendars marked
// deleted by Nextcloud are skipped.
func (c *Client) ListCollections(ctx context.Context) ([]backend.TaskList, error) {
	home, err := c.Discover(ctx)
	if err != nil {
		return nil, err
	}

	ms, err := c.propfind(ctx, "GetTaskLists", home, "1", collectionsPropfind)
	if err != nil {
		return nil, err
	}

	var lists []backend.TaskList
	for _, r := range ms.Responses {
		href := c.absPath(r.Href)
		if href == home || !r.ok() {
			continue
		}
		p := r.props()
		rt := p.ResourceType
		if !rt.has(nsCalDAV, "calendar") {
			continue
		}
		if rt.has(nsCalDAV, "schedule-inbox") || rt.has(nsCalDAV, "schedule-outbox") || rt.has(nsNextcloud, "trash-bin") {
			continue
		}
		if p.DeletedAt != "" || !p.ComponentSet.supports("VTODO") {
			continue
		}

		id := collectionID(href)
		if id == "trashbin" || id == "inbox" || id == "outbox" {
			continue
		}
		name := p.DisplayName
		if name == "" {
			name = id
		}
		lists = append(lists, backend.TaskList{
			ID:          id,
			Href:        href,
			Name:        name,
			Description: p.CalendarDescription,
			Color:       p.CalendarColor,
			CTag:        p.CTag,
			SyncToken:   p.SyncToken,
		})
	}
	return lists, nil
}

// collectionID is the decoded last path segment of a collection href.
func collectionID(href string) string {
	seg := path.Base(strings.TrimSuffix(href, "/"))
	if unescaped, err := url.PathUnescape(seg); err == nil {
		return unescaped
	}
	return seg
}
