package backend

// This file contains an in-memory RemoteManager shared by the tests of the
// backend packages. It behaves like a CalDAV server with respect to ETags,
// CTags and conditional writes.

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
)

type fakeObject struct {
	task Task
	etag string
}

type fakeList struct {
	list    TaskList
	objects map[string]fakeObject // href -> object
}

// FakeRemote implements RemoteManager in memory.
type FakeRemote struct {
	mu      sync.Mutex
	lists   map[string]*fakeList
	order   []string
	counter int

	// Err, when set, is returned by every call (e.g. to simulate an outage).
	Err error
	// PutErrs are returned by successive PutTask calls before they reach storage.
	PutErrs []error
	// OmitETag makes PutTask return an empty etag, like servers that rewrite
	// the object on store.
	OmitETag bool

	Puts    int
	Deletes int
}

// NewFakeRemote creates an empty fake server.
func NewFakeRemote() *FakeRemote {
	return &FakeRemote{lists: make(map[string]*fakeList)}
}

func (f *FakeRemote) nextTag(prefix string) string {
	f.counter++
	return fmt.Sprintf(`"%s-%d"`, prefix, f.counter)
}

// AddList creates a collection and returns it.
func (f *FakeRemote) AddList(id, name string) TaskList {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := TaskList{ID: id, Href: "/calendars/user/" + id + "/", Name: name}
	l.CTag = f.nextTag("ctag")
	f.lists[id] = &fakeList{list: l, objects: make(map[string]fakeObject)}
	f.order = append(f.order, id)
	return l
}

// RemoveList drops a collection with its content.
func (f *FakeRemote) RemoveList(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.lists, id)
	for i, o := range f.order {
		if o == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
}

// SetTask stores a task as if another client had written it. The href is
// derived from the UID when the task has none. Returns the stored task.
func (f *FakeRemote) SetTask(listID string, task Task) Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := f.lists[listID]
	if task.Href == "" {
		task.Href = l.list.Href + url.PathEscape(task.UID) + ".ics"
	}
	task.ETag = f.nextTag("etag")
	task.Raw = ""
	l.objects[task.Href] = fakeObject{task: task, etag: task.ETag}
	l.list.CTag = f.nextTag("ctag")
	return task
}

// RemoveTask deletes a task as if another client had done it.
func (f *FakeRemote) RemoveTask(listID, href string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := f.lists[listID]
	delete(l.objects, href)
	l.list.CTag = f.nextTag("ctag")
}

// Task returns the stored task at href.
func (f *FakeRemote) Task(href string) (Task, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.lists {
		if o, ok := l.objects[href]; ok {
			return o.task, true
		}
	}
	return Task{}, false
}

// TaskCount returns the number of tasks stored in a list.
func (f *FakeRemote) TaskCount(listID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.lists[listID]; ok {
		return len(l.objects)
	}
	return 0
}

func (f *FakeRemote) findList(href string) *fakeList {
	for _, l := range f.lists {
		if strings.HasPrefix(href, l.list.Href) {
			return l
		}
	}
	return nil
}

func (f *FakeRemote) GetTaskLists(ctx context.Context) ([]TaskList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	out := make([]TaskList, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.lists[id].list)
	}
	return out, nil
}

func (f *FakeRemote) GetTasks(ctx context.Context, list TaskList, filter *TaskFilter) ([]Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	l, ok := f.lists[list.ID]
	if !ok {
		return nil, NewBackendError("GetTasks", 404, "list not found").WithListID(list.ID)
	}
	var out []Task
	for _, o := range l.objects {
		if filter.Matches(o.task) {
			out = append(out, o.task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Href < out[j].Href })
	return out, nil
}

func (f *FakeRemote) GetETags(ctx context.Context, list TaskList) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	l, ok := f.lists[list.ID]
	if !ok {
		return nil, NewBackendError("GetETags", 404, "list not found").WithListID(list.ID)
	}
	out := make(map[string]string, len(l.objects))
	for href, o := range l.objects {
		out[href] = o.etag
	}
	return out, nil
}

func (f *FakeRemote) GetTasksByHref(ctx context.Context, list TaskList, hrefs []string) ([]Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	l, ok := f.lists[list.ID]
	if !ok {
		return nil, NewBackendError("GetTasksByHref", 404, "list not found").WithListID(list.ID)
	}
	var out []Task
	for _, href := range hrefs {
		if o, ok := l.objects[href]; ok {
			out = append(out, o.task)
		}
	}
	return out, nil
}

func (f *FakeRemote) PutTask(ctx context.Context, list TaskList, task Task, etag string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Puts++
	if f.Err != nil {
		return "", f.Err
	}
	if len(f.PutErrs) > 0 {
		err := f.PutErrs[0]
		f.PutErrs = f.PutErrs[1:]
		if err != nil {
			return "", err
		}
	}
	l, ok := f.lists[list.ID]
	if !ok {
		return "", NewBackendError("PutTask", 404, "list not found").WithListID(list.ID)
	}
	if task.Href == "" {
		task.Href = l.list.Href + url.PathEscape(task.UID) + ".ics"
	}
	existing, exists := l.objects[task.Href]
	if etag == "" && exists {
		return "", NewBackendError("PutTask", 412, "resource already exists").WithTaskUID(task.UID)
	}
	if etag != "" && (!exists || existing.etag != etag) {
		return "", NewBackendError("PutTask", 412, "etag mismatch").WithTaskUID(task.UID)
	}
	newETag := f.nextTag("etag")
	task.ETag = newETag
	task.Raw = ""
	l.objects[task.Href] = fakeObject{task: task, etag: newETag}
	l.list.CTag = f.nextTag("ctag")
	if f.OmitETag {
		return "", nil
	}
	return newETag, nil
}

func (f *FakeRemote) DeleteTask(ctx context.Context, href, etag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Deletes++
	if f.Err != nil {
		return f.Err
	}
	l := f.findList(href)
	if l == nil {
		return NewBackendError("DeleteTask", 404, "not found")
	}
	o, ok := l.objects[href]
	if !ok {
		return NewBackendError("DeleteTask", 404, "not found")
	}
	if etag != "" && o.etag != etag {
		return NewBackendError("DeleteTask", 412, "etag mismatch").WithTaskUID(o.task.UID)
	}
	delete(l.objects, href)
	l.list.CTag = f.nextTag("ctag")
	return nil
}

func (f *FakeRemote) CreateTaskList(ctx context.Context, name, description, color string) (TaskList, error) {
	if f.Err != nil {
		return TaskList{}, f.Err
	}
	id := strings.ToLower(strings.ReplaceAll(name, " ", "-"))
	l := f.AddList(id, name)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists[id].list.Description = description
	f.lists[id].list.Color = color
	l.Description = description
	l.Color = color
	return l, nil
}

func (f *FakeRemote) RenameTaskList(ctx context.Context, list TaskList, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	l, ok := f.lists[list.ID]
	if !ok {
		return NewBackendError("RenameTaskList", 404, "list not found").WithListID(list.ID)
	}
	l.list.Name = name
	return nil
}

func (f *FakeRemote) DeleteTaskList(ctx context.Context, list TaskList) error {
	if f.Err != nil {
		return f.Err
	}
	f.mu.Lock()
	_, ok := f.lists[list.ID]
	f.mu.Unlock()
	if !ok {
		return NewBackendError("DeleteTaskList", 404, "list not found").WithListID(list.ID)
	}
	f.RemoveList(list.ID)
	return nil
}
