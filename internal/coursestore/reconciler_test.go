package coursestore

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/coursemarket/pkg/marketplace"
)

func refreshedStore(test *testing.T, stub *stubBackend) *Store {
	test.Helper()
	store := mustNewStore(test, stub, nil, studentSession(test))
	if err := store.Refresh(context.Background()); err != nil {
		test.Fatalf("refresh: %v", err)
	}
	return store
}

func makeDirtyUpdate(test *testing.T, store *Store, stub *stubBackend, courseID string, title string) {
	test.Helper()
	stub.mu.Lock()
	stub.updateErr = errUnreachable
	stub.mu.Unlock()
	if _, err := store.Update(context.Background(), mustCourseID(test, courseID), marketplace.CoursePatch{Title: &title}); err == nil {
		test.Fatalf("expected update failure")
	}
	stub.mu.Lock()
	stub.updateErr = nil
	stub.mu.Unlock()
}

func TestReconcileServerWinsOverDirtyUpdate(test *testing.T) {
	test.Parallel()
	stub := newStubBackend(courseRecord("c1", "0", "active"))
	store := refreshedStore(test, stub)
	makeDirtyUpdate(test, store, stub, "c1", "Local title")

	report, err := store.Reconciler().Reconcile(context.Background())
	if err != nil {
		test.Fatalf("reconcile: %v", err)
	}
	if !report.Refreshed {
		test.Fatalf("expected refreshed report")
	}
	if !slices.Equal(report.Conflicts, []marketplace.CourseID{mustCourseID(test, "c1")}) {
		test.Fatalf("expected conflict on c1, got %v", report.Conflicts)
	}
	course, _ := store.Course(mustCourseID(test, "c1"))
	if course.Title != "Course c1" || course.IsDirty() {
		test.Fatalf("expected server version, got %+v", course)
	}
}

func TestReconcileClearsUpdateTheServerAccepted(test *testing.T) {
	test.Parallel()
	stub := newStubBackend(courseRecord("c1", "0", "active"))
	store := refreshedStore(test, stub)
	makeDirtyUpdate(test, store, stub, "c1", "Accepted")

	accepted := courseRecord("c1", "0", "active")
	accepted.Title = "Accepted"
	stub.setRecords(accepted)

	report, err := store.Reconciler().Reconcile(context.Background())
	if err != nil {
		test.Fatalf("reconcile: %v", err)
	}
	if len(report.Conflicts) != 0 || len(report.Cleared) != 1 {
		test.Fatalf("expected clean resolution, got %+v", report)
	}
	if len(store.DirtyCourses()) != 0 {
		test.Fatalf("expected no dirty courses")
	}
}

func TestReconcileResolvesDeletes(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name            string
		serverKeeps     bool
		expectConflict  bool
		expectedVisible int
	}{
		{name: "server removed it", serverKeeps: false, expectConflict: false, expectedVisible: 0},
		{name: "server still has it", serverKeeps: true, expectConflict: true, expectedVisible: 1},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			stub := newStubBackend(courseRecord("c1", "0", "active"))
			store := refreshedStore(test, stub)
			stub.deleteErr = errUnreachable
			if err := store.Delete(context.Background(), mustCourseID(test, "c1")); err == nil {
				test.Fatalf("expected delete failure")
			}
			if !testCase.serverKeeps {
				stub.setRecords()
			}

			report, err := store.Reconciler().Reconcile(context.Background())
			if err != nil {
				test.Fatalf("reconcile: %v", err)
			}
			if (len(report.Conflicts) == 1) != testCase.expectConflict {
				test.Fatalf("unexpected conflicts %v", report.Conflicts)
			}
			if len(store.Courses()) != testCase.expectedVisible || len(store.DirtyCourses()) != 0 {
				test.Fatalf("unexpected state: visible %d dirty %d", len(store.Courses()), len(store.DirtyCourses()))
			}
		})
	}
}

func TestReconcileKeepsMarkersWhenUnreachable(test *testing.T) {
	test.Parallel()
	stub := newStubBackend(courseRecord("c1", "0", "active"))
	store := refreshedStore(test, stub)
	makeDirtyUpdate(test, store, stub, "c1", "Local title")
	stub.setListErr(errUnreachable)

	report, err := store.Reconciler().Reconcile(context.Background())
	if err != nil {
		test.Fatalf("expected transient failure absorbed, got %v", err)
	}
	if report.Refreshed || len(report.Cleared) != 0 {
		test.Fatalf("expected nothing resolved, got %+v", report)
	}
	dirty := store.DirtyCourses()
	if len(dirty) != 1 || dirty[0].Title != "Local title" {
		test.Fatalf("expected dirty marker kept, got %+v", dirty)
	}
}

func TestReconcileAnonymousSkipsEnrollments(test *testing.T) {
	test.Parallel()
	stub := newStubBackend(courseRecord("c1", "0", "active"))
	store := mustNewStore(test, stub, nil, anonymousSession())

	report, err := store.Reconciler().Reconcile(context.Background())
	if err != nil {
		test.Fatalf("reconcile: %v", err)
	}
	if !report.Refreshed || stub.callCount(callEnrolled) != 0 {
		test.Fatalf("expected refresh without enrollment call, got %+v", report)
	}
}

func TestRunReconcilesOnTrigger(test *testing.T) {
	test.Parallel()
	stub := newStubBackend(courseRecord("c1", "0", "active"))
	store := refreshedStore(test, stub)
	makeDirtyUpdate(test, store, stub, "c1", "Local title")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		store.Reconciler().Run(ctx, 0)
		close(done)
	}()
	store.Reconciler().Trigger()

	deadline := time.Now().Add(2 * time.Second)
	for len(store.DirtyCourses()) != 0 {
		if time.Now().After(deadline) {
			test.Fatalf("expected triggered reconciliation")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestFlushRunsPassQueuedByMutation(test *testing.T) {
	test.Parallel()
	stub := newStubBackend(courseRecord("c1", "0", "active"))
	store := refreshedStore(test, stub)
	reconciler := store.Reconciler()
	if _, ran, err := reconciler.Flush(context.Background()); ran || err != nil {
		test.Fatalf("expected no pass before any mutation, ran=%v err=%v", ran, err)
	}
	listed := stub.callCount(callListAllCourses)

	title := "Renamed"
	if _, err := store.Update(context.Background(), mustCourseID(test, "c1"), marketplace.CoursePatch{Title: &title}); err != nil {
		test.Fatalf("update: %v", err)
	}
	report, ran, err := reconciler.Flush(context.Background())
	if err != nil || !ran || !report.Refreshed {
		test.Fatalf("expected a reconcile pass after the update, ran=%v report=%+v err=%v", ran, report, err)
	}
	if stub.callCount(callListAllCourses) != listed+1 {
		test.Fatalf("expected one follow-up listing, got %d", stub.callCount(callListAllCourses)-listed)
	}
	if _, ran, _ := reconciler.Flush(context.Background()); ran {
		test.Fatalf("expected the trigger to be consumed")
	}
}
