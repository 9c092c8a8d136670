package coursestore

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/coursemarket/internal/backend"
	"github.com/MarkoPoloResearchLab/coursemarket/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/coursemarket/pkg/marketplace"
)

func TestNewRequiresBackend(test *testing.T) {
	test.Parallel()
	if _, err := New(nil, nil, nil); !errors.Is(err, marketplace.ErrInvalidConfig) {
		test.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestRefreshNormalizesRecords(test *testing.T) {
	test.Parallel()
	record := courseRecord("c1", `"0.25"`, "active", "s1", "s2", "s1", "")
	record.Lessons = []backend.LessonRecord{
		{Title: "Intro", Type: "video", Content: "https://video.example/1"},
		{Title: "Slides", Type: "document", Content: "https://docs.example/1"},
		{Title: "Notes", Content: "read me"},
	}
	stub := newStubBackend(record)
	store := mustNewStore(test, stub, nil, studentSession(test))

	if err := store.Refresh(context.Background()); err != nil {
		test.Fatalf("refresh: %v", err)
	}
	course, ok := store.Course(mustCourseID(test, "c1"))
	if !ok {
		test.Fatalf("expected course c1")
	}
	if !course.Price.Equal(marketplace.MustParseAmount("0.25")) {
		test.Fatalf("expected parsed price 0.25, got %s", course.Price)
	}
	if course.EnrolledCount != 2 {
		test.Fatalf("expected enrolled count 2, got %d", course.EnrolledCount)
	}
	if course.Lessons[0].VideoURL != "https://video.example/1" || course.Lessons[0].Body != "" {
		test.Fatalf("unexpected video lesson %+v", course.Lessons[0])
	}
	if course.Lessons[1].DocumentURL != "https://docs.example/1" {
		test.Fatalf("unexpected document lesson %+v", course.Lessons[1])
	}
	if course.Lessons[2].Type != marketplace.LessonText || course.Lessons[2].Body != "read me" {
		test.Fatalf("unexpected text lesson %+v", course.Lessons[2])
	}
}

func TestRefreshSkipsMalformedRecords(test *testing.T) {
	test.Parallel()
	stub := newStubBackend(courseRecord("good", "1", "active"), courseRecord("bad", `"abc"`, "active"), courseRecord("weird", "1", "archived"))
	store := mustNewStore(test, stub, nil, studentSession(test))

	if err := store.Refresh(context.Background()); err != nil {
		test.Fatalf("refresh: %v", err)
	}
	courses := store.Courses()
	if len(courses) != 1 || courses[0].ID.String() != "good" {
		test.Fatalf("expected only the well-formed course, got %+v", courses)
	}
}

func TestRefreshTwiceYieldsIdenticalCourses(test *testing.T) {
	test.Parallel()
	stub := newStubBackend(courseRecord("b", "0", "active"), courseRecord("a", "0.1", "draft", "s1"), courseRecord("c", `"2"`, "paused"))
	store := mustNewStore(test, stub, nil, studentSession(test))

	if err := store.Refresh(context.Background()); err != nil {
		test.Fatalf("first refresh: %v", err)
	}
	first := store.Courses()
	if err := store.Refresh(context.Background()); err != nil {
		test.Fatalf("second refresh: %v", err)
	}
	second := store.Courses()
	if !reflect.DeepEqual(first, second) {
		test.Fatalf("expected identical courses\nfirst:  %+v\nsecond: %+v", first, second)
	}
	if first[0].ID.String() != "b" || first[2].ID.String() != "c" {
		test.Fatalf("expected backend ordering, got %+v", first)
	}
}

func TestRefreshChoosesEndpointBySession(test *testing.T) {
	test.Parallel()
	stub := newStubBackend(courseRecord("active", "0", "active"), courseRecord("draft", "0", "draft"))
	anonymous := mustNewStore(test, stub, nil, anonymousSession())

	if err := anonymous.Refresh(context.Background()); err != nil {
		test.Fatalf("refresh: %v", err)
	}
	if len(anonymous.Courses()) != 1 || stub.callCount(callListCourses) != 1 || stub.callCount(callListAllCourses) != 0 {
		test.Fatalf("expected public listing for anonymous session")
	}

	authenticated := mustNewStore(test, stub, nil, studentSession(test))
	if err := authenticated.Refresh(context.Background()); err != nil {
		test.Fatalf("refresh: %v", err)
	}
	if len(authenticated.Courses()) != 2 || stub.callCount(callListAllCourses) != 1 {
		test.Fatalf("expected full listing for authenticated session")
	}
}

func TestRefreshFallsBackToSnapshot(test *testing.T) {
	test.Parallel()
	cache := memstore.New()
	snapshot := marketplace.Snapshot{
		StudentID: mustStudentID(test, testStudent),
		Courses:   []marketplace.Course{{ID: mustCourseID(test, "cached"), Title: "Cached", Status: marketplace.CourseStatusActive}},
		SavedAt:   time.Now().UTC(),
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		test.Fatalf("marshal: %v", err)
	}
	cache.Seed(marketplace.SnapshotKey(snapshot.StudentID), raw)
	stub := newStubBackend()
	stub.setListErr(errUnreachable)
	stub.enrolledErr = errUnreachable
	store := mustNewStore(test, stub, cache, studentSession(test))

	if err := store.Refresh(context.Background()); err != nil {
		test.Fatalf("expected fallback to hide transient failure, got %v", err)
	}
	if !store.Stale() {
		test.Fatalf("expected stale flag after fallback")
	}
	if !errors.Is(store.LastError(), marketplace.ErrServerUnreachable) {
		test.Fatalf("expected last error to record the failure, got %v", store.LastError())
	}
	courses := store.Courses()
	if len(courses) != 1 || courses[0].ID.String() != "cached" {
		test.Fatalf("expected cached course, got %+v", courses)
	}
	stored, _, _ := cache.Get(context.Background(), marketplace.SnapshotKey(snapshot.StudentID))
	if string(stored) != string(raw) {
		test.Fatalf("snapshot must not be rewritten from fallback data")
	}

	stub.setListErr(nil)
	stub.setRecords(courseRecord("fresh", "0", "active"))
	if err := store.Refresh(context.Background()); err != nil {
		test.Fatalf("refresh: %v", err)
	}
	if store.Stale() || store.LastError() != nil {
		test.Fatalf("expected fresh data after successful refresh")
	}
}

func TestRefreshWithNothingCachedReturnsError(test *testing.T) {
	test.Parallel()
	cache := memstore.New()
	cache.Seed(marketplace.SnapshotKey(mustStudentID(test, testStudent)), []byte("{not json"))
	stub := newStubBackend()
	stub.setListErr(errUnreachable)
	store := mustNewStore(test, stub, cache, studentSession(test))

	if err := store.Refresh(context.Background()); !errors.Is(err, marketplace.ErrServerUnreachable) {
		test.Fatalf("expected ErrServerUnreachable, got %v", err)
	}
	if len(store.Courses()) != 0 {
		test.Fatalf("expected no courses")
	}
}

func TestRefreshFailureKeepsPopulatedState(test *testing.T) {
	test.Parallel()
	stub := newStubBackend(courseRecord("c1", "0", "active"))
	store := mustNewStore(test, stub, nil, studentSession(test))
	if err := store.Refresh(context.Background()); err != nil {
		test.Fatalf("refresh: %v", err)
	}

	stub.setListErr(errUnreachable)
	if err := store.Refresh(context.Background()); err != nil {
		test.Fatalf("expected transient failure to be absorbed, got %v", err)
	}
	if len(store.Courses()) != 1 || !store.Stale() {
		test.Fatalf("expected previous courses kept and marked stale")
	}

	rejected := &backend.APIError{Method: "GET", Path: "/courses/all", StatusCode: 401, Message: "expired"}
	stub.setListErr(rejected)
	if err := store.Refresh(context.Background()); !errors.Is(err, marketplace.ErrServerRejected) {
		test.Fatalf("expected rejection to propagate, got %v", err)
	}
	if len(store.Courses()) != 1 {
		test.Fatalf("expected state untouched after rejection")
	}
}

func TestRefreshPersistsSnapshotForNextStart(test *testing.T) {
	test.Parallel()
	cache := memstore.New()
	stub := newStubBackend(courseRecord("c1", "0.1", "active"))
	first := mustNewStore(test, stub, cache, studentSession(test))
	if err := first.Refresh(context.Background()); err != nil {
		test.Fatalf("refresh: %v", err)
	}

	stub.setListErr(errUnreachable)
	second := mustNewStore(test, stub, cache, studentSession(test))
	if err := second.Refresh(context.Background()); err != nil {
		test.Fatalf("refresh: %v", err)
	}
	courses := second.Courses()
	if len(courses) != 1 || !courses[0].Price.Equal(marketplace.MustParseAmount("0.1")) {
		test.Fatalf("expected snapshot courses, got %+v", courses)
	}
}

func TestCreateValidatesBeforeCallingBackend(test *testing.T) {
	test.Parallel()
	stub := newStubBackend()
	store := mustNewStore(test, stub, nil, studentSession(test))

	_, err := store.Create(context.Background(), marketplace.DraftCourse{Title: "Go", Category: ""})
	if !errors.Is(err, marketplace.ErrValidation) {
		test.Fatalf("expected ErrValidation, got %v", err)
	}
	if stub.callCount(callCreate) != 0 {
		test.Fatalf("expected no backend call")
	}

	created, err := store.Create(context.Background(), marketplace.DraftCourse{Title: "Go", Category: "dev", Level: "beginner", Price: marketplace.MustParseAmount("0.5")})
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	if created.Status != marketplace.CourseStatusDraft || !created.Price.Equal(marketplace.MustParseAmount("0.5")) {
		test.Fatalf("unexpected created course %+v", created)
	}
	if _, ok := store.Course(created.ID); !ok {
		test.Fatalf("expected created course in memory")
	}
}

func TestCreateMapsBackendRejection(test *testing.T) {
	test.Parallel()
	stub := newStubBackend()
	stub.createErr = &backend.APIError{Method: "POST", Path: "/courses", StatusCode: 403, Message: "instructors only"}
	store := mustNewStore(test, stub, nil, studentSession(test))

	_, err := store.Create(context.Background(), marketplace.DraftCourse{Title: "Go", Category: "dev", Level: "beginner"})
	if !errors.Is(err, marketplace.ErrServerRejected) {
		test.Fatalf("expected ErrServerRejected, got %v", err)
	}
	if len(store.Courses()) != 0 {
		test.Fatalf("expected no course on rejection")
	}
}

func TestUpdateKeepsOptimisticChangeOnFailure(test *testing.T) {
	test.Parallel()
	stub := newStubBackend(courseRecord("c1", "0", "active"))
	store := mustNewStore(test, stub, nil, studentSession(test))
	if err := store.Refresh(context.Background()); err != nil {
		test.Fatalf("refresh: %v", err)
	}
	stub.updateErr = errUnreachable
	title := "Renamed"

	updated, err := store.Update(context.Background(), mustCourseID(test, "c1"), marketplace.CoursePatch{Title: &title})
	if !errors.Is(err, marketplace.ErrServerUnreachable) {
		test.Fatalf("expected ErrServerUnreachable, got %v", err)
	}
	if updated.Title != title || updated.Dirty != marketplace.DirtyUpdate {
		test.Fatalf("expected dirty optimistic course, got %+v", updated)
	}
	course, _ := store.Course(mustCourseID(test, "c1"))
	if course.Title != title || !course.IsDirty() {
		test.Fatalf("expected optimistic change kept, got %+v", course)
	}

	if err := store.Refresh(context.Background()); err != nil {
		test.Fatalf("refresh: %v", err)
	}
	course, _ = store.Course(mustCourseID(test, "c1"))
	if course.Title != title || !course.IsDirty() {
		test.Fatalf("expected plain refresh to keep the dirty version, got %+v", course)
	}
}

func TestSnapshotKeepsServerVersionOfDirtyCourses(test *testing.T) {
	test.Parallel()
	cache := memstore.New()
	stub := newStubBackend(courseRecord("c1", "0", "active"), courseRecord("c2", "0", "active"))
	store := mustNewStore(test, stub, cache, studentSession(test))
	if err := store.Refresh(context.Background()); err != nil {
		test.Fatalf("refresh: %v", err)
	}
	stub.updateErr = errUnreachable
	stub.deleteErr = errUnreachable
	title := "Renamed"
	if _, err := store.Update(context.Background(), mustCourseID(test, "c1"), marketplace.CoursePatch{Title: &title}); !errors.Is(err, marketplace.ErrServerUnreachable) {
		test.Fatalf("expected ErrServerUnreachable, got %v", err)
	}
	if err := store.Delete(context.Background(), mustCourseID(test, "c2")); !errors.Is(err, marketplace.ErrServerUnreachable) {
		test.Fatalf("expected ErrServerUnreachable, got %v", err)
	}
	serverRecord := courseRecord("c1", "0", "active")
	serverRecord.Title = "Server Title"
	stub.setRecords(serverRecord, courseRecord("c2", "0", "active"))

	if err := store.Refresh(context.Background()); err != nil {
		test.Fatalf("refresh: %v", err)
	}
	course, _ := store.Course(mustCourseID(test, "c1"))
	if course.Title != title || !course.IsDirty() {
		test.Fatalf("expected the optimistic version in memory, got %+v", course)
	}

	raw, found, err := cache.Get(context.Background(), marketplace.SnapshotKey(mustStudentID(test, testStudent)))
	if err != nil || !found {
		test.Fatalf("expected persisted snapshot, found=%v err=%v", found, err)
	}
	var snapshot marketplace.Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		test.Fatalf("unmarshal: %v", err)
	}
	if len(snapshot.Courses) != 2 {
		test.Fatalf("expected both server courses in snapshot, got %+v", snapshot.Courses)
	}
	for _, persisted := range snapshot.Courses {
		if persisted.IsDirty() {
			test.Fatalf("expected no dirty course in snapshot, got %+v", persisted)
		}
	}
	if snapshot.Courses[0].ID.String() != "c1" || snapshot.Courses[0].Title != "Server Title" {
		test.Fatalf("expected server title in snapshot, got %+v", snapshot.Courses[0])
	}
}

func TestUpdateSuccessClearsDirty(test *testing.T) {
	test.Parallel()
	stub := newStubBackend(courseRecord("c1", "0", "active"))
	store := mustNewStore(test, stub, nil, studentSession(test))
	if err := store.Refresh(context.Background()); err != nil {
		test.Fatalf("refresh: %v", err)
	}
	price := marketplace.MustParseAmount("1.5")

	updated, err := store.Update(context.Background(), mustCourseID(test, "c1"), marketplace.CoursePatch{Price: &price})
	if err != nil {
		test.Fatalf("update: %v", err)
	}
	if updated.IsDirty() || !updated.Price.Equal(price) {
		test.Fatalf("expected confirmed course, got %+v", updated)
	}
	if len(store.DirtyCourses()) != 0 {
		test.Fatalf("expected no dirty courses")
	}
}

func TestUpdateRejectsUnknownAndEmpty(test *testing.T) {
	test.Parallel()
	stub := newStubBackend()
	store := mustNewStore(test, stub, nil, studentSession(test))
	title := "x"
	if _, err := store.Update(context.Background(), mustCourseID(test, "missing"), marketplace.CoursePatch{Title: &title}); !errors.Is(err, marketplace.ErrUnknownCourse) {
		test.Fatalf("expected ErrUnknownCourse, got %v", err)
	}
	if _, err := store.Update(context.Background(), mustCourseID(test, "missing"), marketplace.CoursePatch{}); !errors.Is(err, marketplace.ErrValidation) {
		test.Fatalf("expected ErrValidation for empty patch, got %v", err)
	}
	if stub.callCount(callUpdate) != 0 {
		test.Fatalf("expected no backend call")
	}
}

func TestDeleteIsOptimistic(test *testing.T) {
	test.Parallel()
	stub := newStubBackend(courseRecord("c1", "0", "active"), courseRecord("c2", "0", "active"))
	store := mustNewStore(test, stub, nil, studentSession(test))
	if err := store.Refresh(context.Background()); err != nil {
		test.Fatalf("refresh: %v", err)
	}
	stub.deleteErr = errUnreachable

	if err := store.Delete(context.Background(), mustCourseID(test, "c1")); !errors.Is(err, marketplace.ErrServerUnreachable) {
		test.Fatalf("expected ErrServerUnreachable, got %v", err)
	}
	if _, ok := store.Course(mustCourseID(test, "c1")); ok {
		test.Fatalf("expected deleted course hidden")
	}
	dirty := store.DirtyCourses()
	if len(dirty) != 1 || dirty[0].Dirty != marketplace.DirtyDelete {
		test.Fatalf("expected dirty delete marker, got %+v", dirty)
	}

	stub.deleteErr = nil
	if err := store.Delete(context.Background(), mustCourseID(test, "c2")); err != nil {
		test.Fatalf("delete: %v", err)
	}
	if len(store.Courses()) != 0 {
		test.Fatalf("expected no visible courses, got %+v", store.Courses())
	}
}

func TestEnrollIsIdempotent(test *testing.T) {
	test.Parallel()
	stub := newStubBackend(courseRecord("c1", "0.1", "active"))
	store := mustNewStore(test, stub, nil, studentSession(test))
	if err := store.Refresh(context.Background()); err != nil {
		test.Fatalf("refresh: %v", err)
	}
	reference := mustReference(test, "0xabc")

	first, err := store.Enroll(context.Background(), mustCourseID(test, "c1"), reference)
	if err != nil {
		test.Fatalf("enroll: %v", err)
	}
	second, err := store.Enroll(context.Background(), mustCourseID(test, "c1"), reference)
	if err != nil {
		test.Fatalf("second enroll: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		test.Fatalf("expected identical records, got %+v and %+v", first, second)
	}
	if stub.callCount(callEnroll) != 1 {
		test.Fatalf("expected a single backend enroll, got %d", stub.callCount(callEnroll))
	}
	if first.PaymentReference != reference {
		test.Fatalf("expected reference attached, got %+v", first)
	}
	course, _ := store.Course(mustCourseID(test, "c1"))
	if course.EnrolledCount != 1 {
		test.Fatalf("expected enrolled count 1, got %d", course.EnrolledCount)
	}
	if len(store.Enrolled()) != 1 {
		test.Fatalf("expected enrolled list updated")
	}
}

func TestEnrollRetriesShareIdempotencyKey(test *testing.T) {
	test.Parallel()
	stub := newStubBackend(courseRecord("c1", "0.1", "active"))
	stub.enrollErrs = []error{errUnreachable}
	store := mustNewStore(test, stub, nil, studentSession(test))
	reference := mustReference(test, "0xabc")

	if _, err := store.Enroll(context.Background(), mustCourseID(test, "c1"), reference); !errors.Is(err, marketplace.ErrServerUnreachable) {
		test.Fatalf("expected ErrServerUnreachable, got %v", err)
	}
	if _, ok := store.Enrollment(mustCourseID(test, "c1")); ok {
		test.Fatalf("expected no record after failure")
	}
	if _, err := store.Enroll(context.Background(), mustCourseID(test, "c1"), reference); err != nil {
		test.Fatalf("retry: %v", err)
	}
	if len(stub.enrollKeys) != 2 || stub.enrollKeys[0] != stub.enrollKeys[1] {
		test.Fatalf("expected identical idempotency keys, got %v", stub.enrollKeys)
	}
	expected := EnrollmentIdempotencyKey(mustCourseID(test, "c1"), mustStudentID(test, testStudent), reference)
	if stub.enrollKeys[0] != expected {
		test.Fatalf("expected key %s, got %s", expected, stub.enrollKeys[0])
	}
}

func TestEnrollAlreadyEnrolledResolvesToRecord(test *testing.T) {
	test.Parallel()
	stub := newStubBackend(courseRecord("c1", "0", "active"))
	stub.enrollments = []backend.EnrollmentPayload{{CourseID: "c1", StudentID: testStudent, CreatedAt: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)}}
	stub.enrollErrs = []error{&backend.APIError{Method: "POST", Path: "/courses/c1/enroll", StatusCode: 400, Message: "Student already enrolled in this course"}}
	store := mustNewStore(test, stub, nil, studentSession(test))

	record, err := store.Enroll(context.Background(), mustCourseID(test, "c1"), marketplace.PaymentReference{})
	if err != nil {
		test.Fatalf("expected success, got %v", err)
	}
	if record.CreatedAt.Year() != 2025 {
		test.Fatalf("expected the existing backend record, got %+v", record)
	}
}

func TestEnrollRejectsInactiveCourse(test *testing.T) {
	test.Parallel()
	stub := newStubBackend(courseRecord("paused", "0", "paused"))
	store := mustNewStore(test, stub, nil, studentSession(test))
	if err := store.Refresh(context.Background()); err != nil {
		test.Fatalf("refresh: %v", err)
	}
	_, err := store.Enroll(context.Background(), mustCourseID(test, "paused"), marketplace.PaymentReference{})
	if !errors.Is(err, marketplace.ErrCourseNotEnrollable) || !errors.Is(err, marketplace.ErrValidation) {
		test.Fatalf("expected ErrCourseNotEnrollable, got %v", err)
	}
	if stub.callCount(callEnroll) != 0 {
		test.Fatalf("expected no backend call")
	}
}

func TestEnrollRequiresSignedInStudent(test *testing.T) {
	test.Parallel()
	stub := newStubBackend(courseRecord("c1", "0", "active"))
	store := mustNewStore(test, stub, nil, anonymousSession())
	if _, err := store.Enroll(context.Background(), mustCourseID(test, "c1"), marketplace.PaymentReference{}); !errors.Is(err, marketplace.ErrValidation) {
		test.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestRefreshEnrollmentsLoadsRecords(test *testing.T) {
	test.Parallel()
	stub := newStubBackend(courseRecord("c1", "0.1", "active"), courseRecord("c2", "0", "active"))
	stub.enrollments = []backend.EnrollmentPayload{{CourseID: "c1", StudentID: testStudent, PaymentReference: "0xdef"}}
	store := mustNewStore(test, stub, nil, studentSession(test))

	if err := store.RefreshEnrollments(context.Background()); err != nil {
		test.Fatalf("refresh enrollments: %v", err)
	}
	enrolled := store.Enrolled()
	if len(enrolled) != 1 || enrolled[0].ID.String() != "c1" {
		test.Fatalf("unexpected enrolled courses %+v", enrolled)
	}
	record, ok := store.Enrollment(mustCourseID(test, "c1"))
	if !ok || record.PaymentReference.String() != "0xdef" {
		test.Fatalf("unexpected enrollment %+v", record)
	}
}

func TestCloseDiscardsInFlightRefresh(test *testing.T) {
	test.Parallel()
	stub := newStubBackend(courseRecord("c1", "0", "active"))
	stub.listGate = make(chan struct{})
	store := mustNewStore(test, stub, nil, studentSession(test))
	changes := 0
	store.Subscribe(func(Change) { changes++ })

	done := make(chan error, 1)
	go func() { done <- store.Refresh(context.Background()) }()
	for stub.callCount(callListAllCourses) == 0 {
		time.Sleep(time.Millisecond)
	}
	store.Close()
	close(stub.listGate)

	if err := <-done; !errors.Is(err, ErrClosed) {
		test.Fatalf("expected ErrClosed, got %v", err)
	}
	if len(store.Courses()) != 0 || changes != 0 {
		test.Fatalf("expected late result discarded")
	}
}

func TestSubscribeReceivesChanges(test *testing.T) {
	test.Parallel()
	stub := newStubBackend(courseRecord("c1", "0", "active"))
	store := mustNewStore(test, stub, nil, studentSession(test))
	var kinds []ChangeKind
	unsubscribe := store.Subscribe(func(change Change) { kinds = append(kinds, change.Kind) })

	if err := store.Refresh(context.Background()); err != nil {
		test.Fatalf("refresh: %v", err)
	}
	unsubscribe()
	if err := store.Refresh(context.Background()); err != nil {
		test.Fatalf("refresh: %v", err)
	}
	if len(kinds) != 1 || kinds[0] != ChangeCoursesRefreshed {
		test.Fatalf("unexpected change kinds %v", kinds)
	}
}

func TestFetchCourseMergesIntoMemory(test *testing.T) {
	test.Parallel()
	stub := newStubBackend(courseRecord("c1", "3", "active"))
	store := mustNewStore(test, stub, nil, studentSession(test))

	course, err := store.FetchCourse(context.Background(), mustCourseID(test, "c1"))
	if err != nil {
		test.Fatalf("fetch: %v", err)
	}
	if !course.Price.Equal(marketplace.MustParseAmount("3")) {
		test.Fatalf("unexpected price %s", course.Price)
	}
	if _, ok := store.Course(mustCourseID(test, "c1")); !ok {
		test.Fatalf("expected course merged into memory")
	}
	if _, err := store.FetchCourse(context.Background(), mustCourseID(test, "missing")); !errors.Is(err, marketplace.ErrServerRejected) {
		test.Fatalf("expected ErrServerRejected for unknown course, got %v", err)
	}
}
