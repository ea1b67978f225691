package caldav

import (
	"context"

	"caldavtasks/backend"
)

func init() {
	// nextcloud:// maps to the Nextcloud DAV layout, the others are
	// discovered through the principal.
	for _, scheme := range []string{"nextcloud", "caldav", "https", "http"} {
		backend.RegisterScheme(scheme, NewBackend)
	}
}

// Backend adapts Client to backend.RemoteManager.
type Backend struct {
	client *Client
}

// NewBackend creates the remote for a connector config.
func NewBackend(cfg backend.ConnectorConfig) (backend.RemoteManager, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Backend{client: client}, nil
}

// Client returns the underlying CalDAV client.
func (b *Backend) Client() *Client {
	return b.client
}

func (b *Backend) GetTaskLists(ctx context.Context) ([]backend.TaskList, error) {
	return b.client.ListCollections(ctx)
}

func (b *Backend) GetTasks(ctx context.Context, list backend.TaskList, filter *backend.TaskFilter) ([]backend.Task, error) {
	return b.client.FetchTasks(ctx, list, filter)
}

func (b *Backend) GetETags(ctx context.Context, list backend.TaskList) (map[string]string, error) {
	return b.client.FetchETags(ctx, list)
}

func (b *Backend) GetTasksByHref(ctx context.Context, list backend.TaskList, hrefs []string) ([]backend.Task, error) {
	return b.client.Multiget(ctx, list, hrefs)
}

func (b *Backend) PutTask(ctx context.Context, list backend.TaskList, task backend.Task, etag string) (string, error) {
	return b.client.PutTask(ctx, list, task, etag)
}

func (b *Backend) DeleteTask(ctx context.Context, href, etag string) error {
	return b.client.DeleteTask(ctx, href, etag)
}

func (b *Backend) CreateTaskList(ctx context.Context, name, description, color string) (backend.TaskList, error) {
	return b.client.CreateCollection(ctx, name, description, color)
}

func (b *Backend) RenameTaskList(ctx context.Context, list backend.TaskList, name string) error {
	return b.client.RenameCollection(ctx, list, name)
}

func (b *Backend) DeleteTaskList(ctx context.Context, list backend.TaskList) error {
	return b.client.DeleteCollection(ctx, list)
}
