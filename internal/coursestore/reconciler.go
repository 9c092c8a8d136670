package coursestore

import (
	"context"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/coursemarket/pkg/marketplace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ReconcileReport summarizes a reconciliation pass.
type ReconcileReport struct {
	// Refreshed is false when the backend could not be reached; nothing was
	// compared and every dirty marker was kept.
	Refreshed bool
	Conflicts []marketplace.CourseID
	Cleared   []marketplace.CourseID
}

// Reconciler pulls server truth over optimistic local changes. Server state
// wins; a dirty marker is cleared only after its course was compared.
type Reconciler struct {
	store    *Store
	triggers chan struct{}
	running  sync.Mutex
}

func newReconciler(store *Store) *Reconciler {
	return &Reconciler{store: store, triggers: make(chan struct{}, 1)}
}

// Trigger requests a reconciliation without blocking. Pending requests coalesce.
func (reconciler *Reconciler) Trigger() {
	select {
	case reconciler.triggers <- struct{}{}:
	default:
	}
}

// Reconcile refreshes courses and enrollments concurrently, then resolves
// every course that was dirty before the refresh started.
func (reconciler *Reconciler) Reconcile(ctx context.Context) (ReconcileReport, error) {
	reconciler.running.Lock()
	defer reconciler.running.Unlock()

	store := reconciler.store
	captured := store.DirtyCourses()

	var (
		coursesResult     refreshResult
		enrollmentsLoaded bool
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		result, err := store.refreshCourses(groupCtx)
		coursesResult = result
		return err
	})
	group.Go(func() error {
		loaded, err := store.refreshEnrollments(groupCtx)
		enrollmentsLoaded = loaded
		return err
	})
	err := group.Wait()

	report := ReconcileReport{Refreshed: coursesResult.fromServer && enrollmentsLoaded}
	if coursesResult.fromServer {
		report.Conflicts, report.Cleared = store.resolveDirty(captured, coursesResult.courses)
	}
	store.logOperation(ctx, marketplace.OperationLog{
		Operation: marketplace.OperationReconcile,
		StudentID: store.StudentID(),
		Error:     err,
	})
	if len(report.Conflicts) > 0 {
		store.logger.Info("reconciliation discarded optimistic changes", zap.Int("conflicts", len(report.Conflicts)))
	}
	return report, err
}

// Flush runs one pass if Trigger was called since the last pass. It reports
// whether a pass ran.
func (reconciler *Reconciler) Flush(ctx context.Context) (ReconcileReport, bool, error) {
	select {
	case <-reconciler.triggers:
	default:
		return ReconcileReport{}, false, nil
	}
	report, err := reconciler.Reconcile(ctx)
	return report, true, err
}

// Run reconciles whenever Trigger is called and, for a positive interval, on
// every tick until ctx is done. A zero or negative interval disables the
// ticker, so Run then reconciles on Trigger only.
func (reconciler *Reconciler) Run(ctx context.Context, interval time.Duration) {
	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case <-reconciler.triggers:
		}
		if _, err := reconciler.Reconcile(ctx); err != nil && ctx.Err() == nil {
			reconciler.store.logger.Warn("reconciliation failed", zap.Error(err))
		}
	}
}

// resolveDirty replaces each captured optimistic course with the server
// version, or drops it when the server no longer has it. Courses changed
// again after capture are left for the next pass.
func (store *Store) resolveDirty(captured []marketplace.Course, server []marketplace.Course) (conflicts []marketplace.CourseID, cleared []marketplace.CourseID) {
	if len(captured) == 0 {
		return nil, nil
	}
	serverByID := make(map[marketplace.CourseID]marketplace.Course, len(server))
	for _, course := range server {
		serverByID[course.ID] = course
	}

	store.mu.Lock()
	if store.closed {
		store.mu.Unlock()
		return nil, nil
	}
	for _, optimistic := range captured {
		index := indexOf(store.courses, optimistic.ID)
		if index < 0 {
			continue
		}
		current := store.courses[index]
		if current.Dirty != optimistic.Dirty || !sameContent(current, optimistic) {
			continue
		}
		serverVersion, onServer := serverByID[optimistic.ID]
		switch optimistic.Dirty {
		case marketplace.DirtyUpdate:
			if !onServer || !sameContent(serverVersion, optimistic) {
				conflicts = append(conflicts, optimistic.ID)
			}
		case marketplace.DirtyDelete:
			if onServer {
				conflicts = append(conflicts, optimistic.ID)
			}
		}
		if onServer {
			store.courses[index] = serverVersion.Clone()
		} else {
			store.courses = append(store.courses[:index], store.courses[index+1:]...)
		}
		delete(store.confirmed, optimistic.ID)
		cleared = append(cleared, optimistic.ID)
	}
	snapshot := store.snapshotLocked()
	store.mu.Unlock()

	if len(cleared) > 0 {
		store.persistSnapshot(snapshot)
		store.notify(Change{Kind: ChangeReconciled})
	}
	return conflicts, cleared
}
