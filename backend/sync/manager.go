package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	stdsync "sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"caldavtasks/backend"
	"caldavtasks/backend/sqlite"
	"caldavtasks/internal/utils"
)

// ConflictResolutionStrategy defines how to handle sync conflicts
type ConflictResolutionStrategy string

const (
	ServerWins ConflictResolutionStrategy = "server_wins" // Discard local changes, use server version
	LocalWins  ConflictResolutionStrategy = "local_wins"  // Overwrite server with local version
	Merge      ConflictResolutionStrategy = "merge"       // Combine non-conflicting fields
	KeepBoth   ConflictResolutionStrategy = "keep_both"   // Create duplicate with suffix
)

// DefaultMaxRetries is the number of failed pushes after which an
// operation is left for manual retry.
const DefaultMaxRetries = 5

const localCopySuffix = " (local copy)"

// ParseStrategy validates a strategy name. An empty name selects ServerWins.
func ParseStrategy(name string) (ConflictResolutionStrategy, error) {
	switch s := ConflictResolutionStrategy(name); s {
	case "":
		return ServerWins, nil
	case ServerWins, LocalWins, Merge, KeepBoth:
		return s, nil
	default:
		return "", fmt.Errorf("unknown conflict resolution strategy %q", name)
	}
}

// SyncManager coordinates synchronization between the local cache and a
// remote server.
type SyncManager struct {
	local      *sqlite.Store
	remote     backend.RemoteManager
	strategy   ConflictResolutionStrategy
	maxRetries int

	mu stdsync.Mutex
}

// NewSyncManager creates a new sync manager
func NewSyncManager(local *sqlite.Store, remote backend.RemoteManager, strategy ConflictResolutionStrategy) *SyncManager {
	if strategy == "" {
		strategy = ServerWins
	}
	return &SyncManager{
		local:      local,
		remote:     remote,
		strategy:   strategy,
		maxRetries: DefaultMaxRetries,
	}
}

// SetMaxRetries limits how often a failing operation is attempted.
// n <= 0 retries forever.
func (sm *SyncManager) SetMaxRetries(n int) {
	sm.maxRetries = n
}

// Strategy returns the conflict resolution strategy in use.
func (sm *SyncManager) Strategy() ConflictResolutionStrategy {
	return sm.strategy
}

// Local returns the cache the manager writes to.
func (sm *SyncManager) Local() *sqlite.Store {
	return sm.local
}

// Remote returns the server side of the sync.
func (sm *SyncManager) Remote() backend.RemoteManager {
	return sm.remote
}

// Options select what a sync run covers.
type Options struct {
	Full   bool   // ignore stored CTags
	ListID string // restrict the pull to one list
}

// SyncResult contains statistics about the sync operation
type SyncResult struct {
	PulledTasks       int
	PushedTasks       int
	DeletedTasks      int
	ConflictsFound    int
	ConflictsResolved int
	SkippedLists      int
	Errors            *multierror.Error
	Duration          time.Duration
}

func (r *SyncResult) addError(err error) {
	r.Errors = multierror.Append(r.Errors, err)
}

// Err returns the aggregated errors of the run, or nil.
func (r *SyncResult) Err() error {
	return r.Errors.ErrorOrNil()
}

// Transient reports whether any error of the run is worth retrying.
func (r *SyncResult) Transient() bool {
	if r.Errors == nil {
		return false
	}
	for _, err := range r.Errors.Errors {
		if backend.IsTransient(err) {
			return true
		}
	}
	return false
}

func (r *SyncResult) String() string {
	return fmt.Sprintf("pulled %d, pushed %d, deleted %d, conflicts %d/%d resolved, %d lists unchanged, %d errors in %s",
		r.PulledTasks, r.PushedTasks, r.DeletedTasks, r.ConflictsResolved, r.ConflictsFound,
		r.SkippedLists, len(r.errorList()), r.Duration.Round(time.Millisecond))
}

func (r *SyncResult) errorList() []error {
	if r.Errors == nil {
		return nil
	}
	return r.Errors.Errors
}

// Sync pulls remote changes, then pushes the local queue. The returned
// error aggregates every failure of the run; the result is always set.
func (sm *SyncManager) Sync(ctx context.Context, opts Options) (*SyncResult, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	startTime := time.Now()
	result := &SyncResult{}

	// Phase 1: Pull remote changes
	if err := sm.pull(ctx, opts, result); err != nil {
		result.addError(fmt.Errorf("pull phase failed: %w", err))
		// Continue to push phase even if pull fails
	}

	// Phase 2: Push local changes
	if err := sm.push(ctx, result); err != nil {
		result.addError(fmt.Errorf("push phase failed: %w", err))
	}

	result.Duration = time.Since(startTime)
	utils.Debugf("Sync finished: %s", result)
	return result, result.Err()
}

// FullSync performs a complete synchronization, ignoring CTags
func (sm *SyncManager) FullSync(ctx context.Context) (*SyncResult, error) {
	return sm.Sync(ctx, Options{Full: true})
}

// PushOnly uploads the queued local changes without pulling.
func (sm *SyncManager) PushOnly(ctx context.Context) (*SyncResult, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	startTime := time.Now()
	result := &SyncResult{}
	if err := sm.push(ctx, result); err != nil {
		result.addError(fmt.Errorf("push phase failed: %w", err))
	}
	result.Duration = time.Since(startTime)
	return result, result.Err()
}

// pull retrieves remote changes and applies them locally
func (sm *SyncManager) pull(ctx context.Context, opts Options, result *SyncResult) error {
	remoteLists, err := sm.remote.GetTaskLists(ctx)
	if err != nil {
		return fmt.Errorf("failed to get remote lists: %w", err)
	}
	localLists, err := sm.local.GetTaskLists(ctx)
	if err != nil {
		return fmt.Errorf("failed to get local lists: %w", err)
	}
	localByID := make(map[string]backend.TaskList, len(localLists))
	for _, l := range localLists {
		localByID[l.ID] = l
	}

	seen := make(map[string]bool, len(remoteLists))
	for _, remoteList := range remoteLists {
		seen[remoteList.ID] = true
		if opts.ListID != "" && remoteList.ID != opts.ListID {
			continue
		}

		var stored *backend.TaskList
		if l, ok := localByID[remoteList.ID]; ok {
			stored = &l
		}
		if err := sm.pullList(ctx, remoteList, stored, opts.Full, result); err != nil {
			result.addError(fmt.Errorf("list %s: %w", remoteList.Name, err))
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}

	// Collections deleted on the server
	if opts.ListID == "" {
		for _, l := range localLists {
			if seen[l.ID] {
				continue
			}
			utils.Infof("List %s no longer exists on the server, removing it", l.Name)
			if err := sm.local.DeleteList(ctx, l.ID); err != nil {
				result.addError(err)
			}
		}
	}
	return nil
}

func (sm *SyncManager) pullList(ctx context.Context, remoteList backend.TaskList, stored *backend.TaskList, full bool, result *SyncResult) error {
	if err := sm.local.UpsertList(ctx, remoteList); err != nil {
		return err
	}

	// Check if list changed (CTag comparison)
	if !full && stored != nil && stored.CTag != "" && stored.CTag == remoteList.CTag {
		result.SkippedLists++
		return nil
	}

	etags, err := sm.remote.GetETags(ctx, remoteList)
	if err != nil {
		return err
	}
	states, err := sm.local.ListTaskStates(ctx, remoteList.ID)
	if err != nil {
		return err
	}

	byHref := make(map[string]sqlite.LocalTask, len(states))
	for _, lt := range states {
		if lt.Href != "" {
			byHref[backend.NormalizeHref(lt.Href)] = lt
		}
	}
	remoteHrefs := make(map[string]bool, len(etags))
	var changed []string
	for href, etag := range etags {
		norm := backend.NormalizeHref(href)
		remoteHrefs[norm] = true
		if lt, ok := byHref[norm]; !ok || lt.ETag != etag {
			changed = append(changed, href)
		}
	}
	sort.Strings(changed)

	for _, lt := range states {
		if lt.Href == "" || remoteHrefs[backend.NormalizeHref(lt.Href)] {
			continue
		}
		if lt.Dirty && lt.ETag == "" {
			// Never uploaded.
			continue
		}
		if err := sm.applyRemoteDeletion(ctx, lt, result); err != nil {
			return err
		}
	}

	if len(changed) > 0 {
		utils.Debugf("List %s: fetching %d changed tasks", remoteList.ID, len(changed))
		tasks, err := sm.remote.GetTasksByHref(ctx, remoteList, changed)
		if err != nil {
			return err
		}
		// Parents first so RELATED-TO references resolve.
		for _, task := range backend.SortTasksByHierarchy(tasks) {
			if err := sm.applyFetched(ctx, remoteList.ID, task, result); err != nil {
				return err
			}
		}
	}

	return sm.local.SetListSyncState(ctx, remoteList.ID, remoteList.CTag, remoteList.SyncToken, time.Now())
}

// applyRemoteDeletion handles a cached task whose resource is gone from
// the server.
func (sm *SyncManager) applyRemoteDeletion(ctx context.Context, lt sqlite.LocalTask, result *SyncResult) error {
	if !lt.Dirty || lt.Deleted {
		result.DeletedTasks++
		return sm.local.RemoveTask(ctx, lt.UID)
	}

	result.ConflictsFound++
	if sm.strategy == ServerWins {
		utils.Infof("Task %q was deleted on the server, discarding local changes", lt.Summary)
		result.DeletedTasks++
		if err := sm.local.RemoveTask(ctx, lt.UID); err != nil {
			return err
		}
	} else {
		utils.Infof("Task %q was deleted on the server, uploading the local version again", lt.Summary)
		if err := sm.local.RequeueAsCreate(ctx, lt.UID); err != nil {
			return err
		}
	}
	result.ConflictsResolved++
	return nil
}

// applyFetched stores a task fetched from the server, resolving a
// conflict when the cached copy has unpushed changes.
func (sm *SyncManager) applyFetched(ctx context.Context, listID string, remote backend.Task, result *SyncResult) error {
	lt, err := sm.local.LookupTask(ctx, remote.UID)
	switch {
	case errors.Is(err, sqlite.ErrTaskNotFound):
		result.PulledTasks++
		return sm.local.ApplyRemote(ctx, listID, remote)
	case err != nil:
		return err
	case !lt.Dirty:
		result.PulledTasks++
		return sm.local.ApplyRemote(ctx, listID, remote)
	}
	if lt.ETag == remote.ETag {
		return nil
	}

	result.ConflictsFound++
	if err := sm.resolveConflict(ctx, listID, *lt, remote); err != nil {
		return err
	}
	result.ConflictsResolved++
	return nil
}

// resolveConflict applies the strategy to a task changed on both sides.
func (sm *SyncManager) resolveConflict(ctx context.Context, listID string, local sqlite.LocalTask, remote backend.Task) error {
	utils.Infof("Conflict on task %q, resolving with %s", remote.Summary, sm.strategy)

	switch sm.strategy {
	case LocalWins:
		return sm.local.KeepLocal(ctx, local.UID, remote.ETag, remote.Raw)
	case Merge:
		if local.Deleted {
			return sm.local.ApplyRemote(ctx, listID, remote)
		}
		return sm.local.ApplyMerged(ctx, listID, mergeTasks(local.Task, remote))
	case KeepBoth:
		if !local.Deleted {
			localCopy := local.Task
			localCopy.UID = ""
			localCopy.Href = ""
			localCopy.Summary += localCopySuffix
			if _, err := sm.local.CreateLocal(ctx, listID, localCopy); err != nil {
				return err
			}
		}
		return sm.local.ApplyRemote(ctx, listID, remote)
	default:
		return sm.local.ApplyRemote(ctx, listID, remote)
	}
}

// mergeTasks combines both versions field-wise on top of the remote one.
func mergeTasks(local, remote backend.Task) backend.Task {
	merged := remote // Start with remote as base

	// Preserve local description if remote has none
	if local.Description != "" && remote.Description == "" {
		merged.Description = local.Description
	}

	// Use higher priority
	if local.Priority > 0 && (remote.Priority == 0 || local.Priority < remote.Priority) {
		merged.Priority = local.Priority
	}

	// Union categories
	seen := make(map[string]bool, len(remote.Categories)+len(local.Categories))
	merged.Categories = nil
	for _, cat := range append(append([]string{}, remote.Categories...), local.Categories...) {
		if !seen[cat] {
			seen[cat] = true
			merged.Categories = append(merged.Categories, cat)
		}
	}

	// Later due date
	if local.DueDate != nil && (remote.DueDate == nil || local.DueDate.After(*remote.DueDate)) {
		merged.DueDate = local.DueDate
	}

	if local.Modified.After(merged.Modified) {
		merged.Modified = local.Modified
	}
	return merged
}

// push uploads pending operations in FIFO order
func (sm *SyncManager) push(ctx context.Context, result *SyncResult) error {
	ops, err := sm.local.PendingOperations(ctx, sm.maxRetries)
	if err != nil {
		return err
	}

	lists := make(map[string]backend.TaskList)
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return err
		}

		list, ok := lists[op.ListID]
		if !ok {
			if list, err = sm.local.GetList(ctx, op.ListID); err != nil {
				result.addError(err)
				continue
			}
			lists[op.ListID] = list
		}

		err := sm.pushOperation(ctx, list, op, result)
		if err == nil {
			continue
		}
		if rerr := sm.local.RecordFailure(ctx, op, err); rerr != nil {
			result.addError(rerr)
		}
		result.addError(fmt.Errorf("%s task %s: %w", op.Type, op.TaskUID, err))
		if backend.IsTransient(err) {
			utils.Warnf("Server unreachable, stopping push: %v", err)
			return nil
		}
	}
	return nil
}

// pushOperation performs one queued change. A precondition failure is
// resolved against the server version and retried once.
func (sm *SyncManager) pushOperation(ctx context.Context, list backend.TaskList, op sqlite.Operation, result *SyncResult) error {
	for attempt := 0; ; attempt++ {
		lt, err := sm.local.LookupTask(ctx, op.TaskUID)
		if errors.Is(err, sqlite.ErrTaskNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		switch op.Type {
		case sqlite.OpDelete:
			err = sm.remote.DeleteTask(ctx, lt.Href, lt.ETag)
			if err == nil || backend.IsNotFound(err) {
				if _, err := sm.local.CompleteOperation(ctx, op, ""); err != nil {
					return err
				}
				result.PushedTasks++
				return nil
			}
		default:
			ifMatch := lt.ETag
			if op.Type == sqlite.OpCreate {
				ifMatch = ""
			}
			var etag string
			etag, err = sm.remote.PutTask(ctx, list, lt.Task, ifMatch)
			if err == nil {
				if etag == "" {
					etag = sm.refetchETag(ctx, list, lt.Href)
				}
				if _, err := sm.local.CompleteOperation(ctx, op, etag); err != nil {
					return err
				}
				result.PushedTasks++
				return nil
			}
		}

		if !backend.IsPreconditionFailed(err) || attempt > 0 {
			return err
		}

		result.ConflictsFound++
		if err := sm.resolvePushConflict(ctx, list, *lt); err != nil {
			return err
		}
		result.ConflictsResolved++

		next, err := sm.local.GetOperation(ctx, op.TaskUID)
		if err != nil {
			return err
		}
		if next == nil {
			// Resolved in favour of the server.
			return nil
		}
		op = *next
	}
}

// resolvePushConflict refetches the resource a conditional write failed
// on and resolves it like a pulled conflict.
func (sm *SyncManager) resolvePushConflict(ctx context.Context, list backend.TaskList, lt sqlite.LocalTask) error {
	remotes, err := sm.remote.GetTasksByHref(ctx, list, []string{lt.Href})
	if err != nil {
		return err
	}
	if len(remotes) == 0 {
		if lt.Deleted || sm.strategy == ServerWins {
			return sm.local.RemoveTask(ctx, lt.UID)
		}
		return sm.local.RequeueAsCreate(ctx, lt.UID)
	}
	return sm.resolveConflict(ctx, list.ID, lt, remotes[0])
}

// refetchETag reads the etag of a resource the server stored without
// reporting it.
func (sm *SyncManager) refetchETag(ctx context.Context, list backend.TaskList, href string) string {
	tasks, err := sm.remote.GetTasksByHref(ctx, list, []string{href})
	if err != nil || len(tasks) == 0 {
		utils.Warnf("Could not read back etag of %s: %v", href, err)
		return ""
	}
	return tasks[0].ETag
}
