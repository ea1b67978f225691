package caldav

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"caldavtasks/backend"
)

const (
	nsDAV       = "DAV:"
	nsCalDAV    = "urn:ietf:params:xml:ns:caldav"
	nsCalServer = "http://calendarserver.org/ns/"
	nsApple     = "http://apple.com/ns/ical/"
	nsNextcloud = "http://nextcloud.com/ns"
)

type multistatus struct {
	XMLName   xml.Name   `xml:"DAV: multistatus"`
	Responses []response `xml:"DAV: response"`
	SyncToken string     `xml:"DAV: sync-token"`
}

type response struct {
	Href      string     `xml:"DAV: href"`
	Status    string     `xml:"DAV: status"`
	Propstats []propstat `xml:"DAV: propstat"`
}

type propstat struct {
	Prop   prop   `xml:"DAV: prop"`
	Status string `xml:"DAV: status"`
}

type prop struct {
	ResourceType         *elementList `xml:"DAV: resourcetype"`
	DisplayName          string       `xml:"DAV: displayname"`
	GetETag              string       `xml:"DAV: getetag"`
	SyncToken            string       `xml:"DAV: sync-token"`
	CurrentUserPrincipal *hrefProp    `xml:"DAV: current-user-principal"`
	CalendarHomeSet      *hrefProp    `xml:"urn:ietf:params:xml:ns:caldav calendar-home-set"`
	CalendarData         string       `xml:"urn:ietf:params:xml:ns:caldav calendar-data"`
	CalendarDescription  string       `xml:"urn:ietf:params:xml:ns:caldav calendar-description"`
	ComponentSet         *compSet     `xml:"urn:ietf:params:xml:ns:caldav supported-calendar-component-set"`
	CTag                 string       `xml:"http://calendarserver.org/ns/ getctag"`
	CalendarColor        string       `xml:"http://apple.com/ns/ical/ calendar-color"`
	DeletedAt            string       `xml:"http://nextcloud.com/ns deleted-at"`
}

type hrefProp struct {
	Href string `xml:"DAV: href"`
}

type element struct {
	XMLName xml.Name
}

type elementList struct {
	Elements []element `xml:",any"`
}

func (l *elementList) has(space, local string) bool {
	if l == nil {
		return false
	}
	for _, e := range l.Elements {
		if e.XMLName.Space == space && e.XMLName.Local == local {
			return true
		}
	}
	return false
}

type compSet struct {
	Comps []struct {
		Name string `xml:"name,attr"`
	} `xml:"urn:ietf:params:xml:ns:caldav comp"`
}

// supports reports whether the set lists the component. A missing set
// means every component type is accepted.
func (s *compSet) supports(name string) bool {
	if s == nil {
		return true
	}
	for _, c := range s.Comps {
		if strings.EqualFold(c.Name, name) {
			return true
		}
	}
	return false
}

func parseMultistatus(data []byte) (*multistatus, error) {
	var ms multistatus
	dec := xml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&ms); err != nil {
		return nil, backend.NewBackendError("ParseMultistatus", 0, "invalid multistatus response").
			WithBody(string(data)).WithError(fmt.Errorf("%w: %w", backend.ErrInvalidResponse, err))
	}
	for i := range ms.Responses {
		ms.Responses[i].Href = strings.TrimSpace(ms.Responses[i].Href)
	}
	return &ms, nil
}

// statusCode extracts the code from a status line such as "HTTP/1.1 200 OK".
// An empty line counts as 200.
func statusCode(line string) int {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 200
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0
	}
	return code
}

// ok reports whether the response as a whole succeeded.
func (r response) ok() bool {
	code := statusCode(r.Status)
	return code >= 200 && code < 300
}

// props merges the properties of every successful propstat.
func (r response) props() prop {
	var out prop
	for _, ps := range r.Propstats {
		code := statusCode(ps.Status)
		if code < 200 || code >= 300 {
			continue
		}
		p := ps.Prop
		if p.ResourceType != nil {
			out.ResourceType = p.ResourceType
		}
		if p.CurrentUserPrincipal != nil {
			out.CurrentUserPrincipal = p.CurrentUserPrincipal
		}
		if p.CalendarHomeSet != nil {
			out.CalendarHomeSet = p.CalendarHomeSet
		}
		if p.ComponentSet != nil {
			out.ComponentSet = p.ComponentSet
		}
		mergeString(&out.DisplayName, p.DisplayName)
		mergeString(&out.GetETag, p.GetETag)
		mergeString(&out.SyncToken, p.SyncToken)
		mergeString(&out.CalendarData, p.CalendarData)
		mergeString(&out.CalendarDescription, p.CalendarDescription)
		mergeString(&out.CTag, p.CTag)
		mergeString(&out.CalendarColor, p.CalendarColor)
		mergeString(&out.DeletedAt, p.DeletedAt)
	}
	return out
}

// failed returns the status code of the first unsuccessful propstat, or 0.
func (r response) failed() int {
	for _, ps := range r.Propstats {
		if code := statusCode(ps.Status); code >= 300 {
			return code
		}
	}
	return 0
}

func mergeString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func xmlEscape(s string) string {
	var b bytes.Buffer
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
