// Package coursestore holds the course catalog and the student's enrollments,
// backed by the REST backend and a persisted snapshot.
package coursestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/coursemarket/internal/backend"
	"github.com/MarkoPoloResearchLab/coursemarket/pkg/marketplace"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultRequestTimeout = 10 * time.Second

	errorOperationStore = "course_store"
	errorSubjectCourse  = "course"
	errorSubjectEnroll  = "enrollment"
	errorSubjectCatalog = "catalog"
	errorCodeValidate   = "validate"
	errorCodeBackend    = "backend"
	errorCodeNormalize  = "normalize"
	errorCodeClosed     = "closed"

	refreshFlightKey     = "courses"
	enrollmentsFlightKey = "enrollments"
)

// ErrClosed is returned by operations on a closed Store.
var ErrClosed = errors.New("course store closed")

// enrollmentNamespace scopes idempotency keys derived from enrollment tuples.
var enrollmentNamespace = uuid.MustParse("5b0d6f8e-8f3c-4f59-9a55-3c1f0d7e2a41")

// Backend is the subset of the REST client the store consumes.
type Backend interface {
	ListCourses(ctx context.Context) ([]backend.CourseRecord, error)
	ListAllCourses(ctx context.Context) ([]backend.CourseRecord, error)
	GetCourse(ctx context.Context, courseID marketplace.CourseID) (backend.CourseRecord, error)
	EnrolledCourses(ctx context.Context) (backend.EnrolledResponse, error)
	CreateCourse(ctx context.Context, input backend.CourseInput) (backend.CourseRecord, error)
	UpdateCourse(ctx context.Context, courseID marketplace.CourseID, input backend.CourseInput) (backend.CourseRecord, error)
	DeleteCourse(ctx context.Context, courseID marketplace.CourseID) error
	Enroll(ctx context.Context, courseID marketplace.CourseID, request backend.EnrollRequest, idempotencyKey string) (backend.EnrollResponse, error)
}

// ChangeKind enumerates store notifications.
type ChangeKind string

const (
	ChangeCoursesRefreshed     ChangeKind = "courses_refreshed"
	ChangeEnrollmentsRefreshed ChangeKind = "enrollments_refreshed"
	ChangeCourseCreated        ChangeKind = "course_created"
	ChangeCourseUpdated        ChangeKind = "course_updated"
	ChangeCourseDeleted        ChangeKind = "course_deleted"
	ChangeEnrolled             ChangeKind = "enrolled"
	ChangeReconciled           ChangeKind = "reconciled"
)

// Change is delivered to subscribers after the store state changed.
type Change struct {
	Kind     ChangeKind
	CourseID marketplace.CourseID
	Stale    bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger wires a zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(store *Store) {
		if logger != nil {
			store.logger = logger
		}
	}
}

// WithOperationLogger wires a logger for state-changing operations.
func WithOperationLogger(operationLogger marketplace.OperationLogger) Option {
	return func(store *Store) {
		store.operationLogger = operationLogger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(store *Store) {
		if now != nil {
			store.nowFn = now
		}
	}
}

// WithRequestTimeout bounds every backend call.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(store *Store) {
		if timeout > 0 {
			store.requestTimeout = timeout
		}
	}
}

// Store is the single writer of the in-memory course state and its snapshot.
type Store struct {
	backend         Backend
	cache           marketplace.CacheStore
	session         backend.Session
	logger          *zap.Logger
	operationLogger marketplace.OperationLogger
	nowFn           func() time.Time
	requestTimeout  time.Duration
	flights         singleflight.Group
	reconciler      *Reconciler

	loadOnce sync.Once
	fallback *marketplace.Snapshot

	mu              sync.RWMutex
	courses         []marketplace.Course
	confirmed       map[marketplace.CourseID]marketplace.Course
	enrolled        []marketplace.Course
	enrollments     map[marketplace.CourseID]marketplace.EnrollmentRecord
	populated       bool
	stale           bool
	lastError       error
	closed          bool
	refreshSequence uint64
	appliedSequence uint64
	listeners       map[int]func(Change)
	nextListenerID  int
}

// New wires a Store. cache may be nil, in which case the store runs in
// network-only mode.
func New(backendClient Backend, cache marketplace.CacheStore, session backend.Session, options ...Option) (*Store, error) {
	if backendClient == nil {
		return nil, fmt.Errorf("%w: backend client is required", marketplace.ErrInvalidConfig)
	}
	store := &Store{
		backend:        backendClient,
		cache:          cache,
		session:        session,
		logger:         zap.NewNop(),
		nowFn:          func() time.Time { return time.Now().UTC() },
		requestTimeout: defaultRequestTimeout,
		confirmed:      make(map[marketplace.CourseID]marketplace.Course),
		enrollments:    make(map[marketplace.CourseID]marketplace.EnrollmentRecord),
		listeners:      make(map[int]func(Change)),
	}
	for _, option := range options {
		if option != nil {
			option(store)
		}
	}
	store.reconciler = newReconciler(store)
	return store, nil
}

// Reconciler returns the reconciler bound to this store.
func (store *Store) Reconciler() *Reconciler {
	return store.reconciler
}

// StudentID returns the student the store acts for.
func (store *Store) StudentID() marketplace.StudentID {
	if store.session == nil {
		return marketplace.StudentID{}
	}
	return store.session.StudentID()
}

// Load reads the persisted snapshot. It runs once; later calls are no-ops.
// A missing, unreadable or corrupt snapshot is logged and ignored.
func (store *Store) Load(ctx context.Context) {
	store.loadOnce.Do(func() {
		if store.cache == nil {
			return
		}
		raw, found, err := store.cache.Get(ctx, marketplace.SnapshotKey(store.StudentID()))
		if err != nil {
			store.logger.Warn("snapshot read failed, running network-only", zap.Error(err))
			return
		}
		if !found {
			return
		}
		var snapshot marketplace.Snapshot
		if err := json.Unmarshal(raw, &snapshot); err != nil {
			store.logger.Warn("snapshot corrupt, ignoring", zap.Error(err))
			return
		}
		if snapshot.StudentID != store.StudentID() {
			store.logger.Warn("snapshot belongs to another student, ignoring", zap.String("snapshot_student", snapshot.StudentID.String()))
			return
		}
		store.fallback = &snapshot
	})
}

// Refresh fetches the catalog. Authenticated sessions see every course,
// anonymous ones only active courses. Transient failures keep whatever is
// available and mark it stale; the failure is recorded in LastError.
func (store *Store) Refresh(ctx context.Context) error {
	_, err := store.refreshCourses(ctx)
	return err
}

type refreshResult struct {
	courses    []marketplace.Course
	fromServer bool
}

func (store *Store) refreshCourses(ctx context.Context) (refreshResult, error) {
	if store.isClosed() {
		return refreshResult{}, wrapStoreError(errorSubjectCatalog, errorCodeClosed, ErrClosed)
	}
	store.Load(ctx)
	sequence := store.nextRefreshSequence()

	value, err, _ := store.flights.Do(refreshFlightKey, func() (any, error) {
		return store.fetchCourses(ctx)
	})
	var fetched []marketplace.Course
	if err == nil {
		fetched = value.([]marketplace.Course)
	}
	result, commitErr := store.commitRefresh(sequence, fetched, err)
	store.logOperation(ctx, marketplace.OperationLog{
		Operation: marketplace.OperationRefresh,
		StudentID: store.StudentID(),
		Error:     err,
	})
	return result, commitErr
}

func (store *Store) fetchCourses(ctx context.Context) ([]marketplace.Course, error) {
	requestCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), store.requestTimeout)
	defer cancel()
	var (
		records []backend.CourseRecord
		err     error
	)
	if backend.Authenticated(store.session) {
		records, err = store.backend.ListAllCourses(requestCtx)
	} else {
		records, err = store.backend.ListCourses(requestCtx)
	}
	if err != nil {
		return nil, wrapStoreError(errorSubjectCatalog, errorCodeBackend, err)
	}
	courses := make([]marketplace.Course, 0, len(records))
	for _, record := range records {
		course, err := normalizeCourse(record)
		if err != nil {
			store.logger.Warn("skipping malformed course record", zap.String("course_id", record.ID), zap.Error(err))
			continue
		}
		courses = append(courses, course)
	}
	return courses, nil
}

func (store *Store) commitRefresh(sequence uint64, fetched []marketplace.Course, fetchErr error) (refreshResult, error) {
	store.mu.Lock()
	if store.closed {
		store.mu.Unlock()
		return refreshResult{}, wrapStoreError(errorSubjectCatalog, errorCodeClosed, ErrClosed)
	}
	if fetchErr != nil {
		store.lastError = fetchErr
		if store.populated {
			store.stale = true
			store.mu.Unlock()
			store.logger.Warn("course refresh failed, keeping current data", zap.Error(fetchErr))
			store.notify(Change{Kind: ChangeCoursesRefreshed, Stale: true})
			return refreshResult{}, propagateRefreshError(fetchErr)
		}
		if store.fallback != nil {
			store.applySnapshotLocked(*store.fallback)
			store.mu.Unlock()
			store.logger.Warn("course refresh failed, serving cached snapshot", zap.Error(fetchErr))
			store.notify(Change{Kind: ChangeCoursesRefreshed, Stale: true})
			return refreshResult{}, propagateRefreshError(fetchErr)
		}
		store.mu.Unlock()
		return refreshResult{}, fetchErr
	}
	if sequence < store.appliedSequence {
		store.mu.Unlock()
		store.logger.Debug("discarding superseded refresh result")
		return refreshResult{courses: cloneCourses(fetched), fromServer: true}, nil
	}
	store.appliedSequence = sequence
	store.courses = mergeDirty(fetched, store.courses)
	store.refreshConfirmedLocked(fetched)
	store.populated = true
	store.stale = false
	store.lastError = nil
	snapshot := store.snapshotLocked()
	store.mu.Unlock()

	store.persistSnapshot(snapshot)
	store.notify(Change{Kind: ChangeCoursesRefreshed})
	return refreshResult{courses: cloneCourses(fetched), fromServer: true}, nil
}

// propagateRefreshError hides transient failures once cached data is served.
func propagateRefreshError(err error) error {
	if marketplace.IsTransient(err) {
		return nil
	}
	return err
}

// mergeDirty keeps optimistic local versions over server data until the
// reconciler has compared them.
func mergeDirty(server []marketplace.Course, local []marketplace.Course) []marketplace.Course {
	dirty := make(map[marketplace.CourseID]marketplace.Course)
	for _, course := range local {
		if course.IsDirty() {
			dirty[course.ID] = course
		}
	}
	merged := make([]marketplace.Course, 0, len(server)+len(dirty))
	for _, course := range server {
		if optimistic, ok := dirty[course.ID]; ok {
			merged = append(merged, optimistic.Clone())
			delete(dirty, course.ID)
			continue
		}
		merged = append(merged, course.Clone())
	}
	for _, course := range local {
		if _, ok := dirty[course.ID]; ok {
			merged = append(merged, course.Clone())
		}
	}
	return merged
}

// RefreshEnrollments fetches the student's enrolled courses. Anonymous
// sessions have no enrollments and make no call.
func (store *Store) RefreshEnrollments(ctx context.Context) error {
	_, err := store.refreshEnrollments(ctx)
	return err
}

func (store *Store) refreshEnrollments(ctx context.Context) (bool, error) {
	if store.isClosed() {
		return false, wrapStoreError(errorSubjectEnroll, errorCodeClosed, ErrClosed)
	}
	store.Load(ctx)
	if !backend.Authenticated(store.session) {
		store.mu.Lock()
		store.enrolled = nil
		store.enrollments = make(map[marketplace.CourseID]marketplace.EnrollmentRecord)
		store.mu.Unlock()
		return true, nil
	}
	value, err, _ := store.flights.Do(enrollmentsFlightKey, func() (any, error) {
		requestCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), store.requestTimeout)
		defer cancel()
		response, err := store.backend.EnrolledCourses(requestCtx)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEnroll, errorCodeBackend, err)
		}
		return response, nil
	})
	store.logOperation(ctx, marketplace.OperationLog{
		Operation: marketplace.OperationRefreshEnrollments,
		StudentID: store.StudentID(),
		Error:     err,
	})
	if err != nil {
		store.mu.Lock()
		store.lastError = err
		if store.fallback != nil && len(store.enrolled) == 0 && len(store.enrollments) == 0 {
			store.applyEnrollmentSnapshotLocked(*store.fallback)
		}
		store.stale = true
		store.mu.Unlock()
		store.logger.Warn("enrollment refresh failed", zap.Error(err))
		return false, propagateRefreshError(err)
	}
	response := value.(backend.EnrolledResponse)
	enrolled := make([]marketplace.Course, 0, len(response.Courses))
	for _, record := range response.Courses {
		course, err := normalizeCourse(record)
		if err != nil {
			store.logger.Warn("skipping malformed enrolled course", zap.String("course_id", record.ID), zap.Error(err))
			continue
		}
		enrolled = append(enrolled, course)
	}
	enrollments := make(map[marketplace.CourseID]marketplace.EnrollmentRecord, len(response.Enrollments))
	for _, payload := range response.Enrollments {
		record, err := normalizeEnrollment(payload)
		if err != nil {
			store.logger.Warn("skipping malformed enrollment", zap.String("course_id", payload.CourseID), zap.Error(err))
			continue
		}
		enrollments[record.CourseID] = record
	}

	store.mu.Lock()
	if store.closed {
		store.mu.Unlock()
		return false, wrapStoreError(errorSubjectEnroll, errorCodeClosed, ErrClosed)
	}
	store.enrolled = enrolled
	store.enrollments = enrollments
	snapshot := store.snapshotLocked()
	store.mu.Unlock()

	store.persistSnapshot(snapshot)
	store.notify(Change{Kind: ChangeEnrollmentsRefreshed})
	return true, nil
}

// Courses returns the catalog, excluding optimistically deleted courses.
func (store *Store) Courses() []marketplace.Course {
	store.mu.RLock()
	defer store.mu.RUnlock()
	visible := make([]marketplace.Course, 0, len(store.courses))
	for _, course := range store.courses {
		if course.Dirty == marketplace.DirtyDelete {
			continue
		}
		visible = append(visible, course.Clone())
	}
	return visible
}

// Course returns a single course from memory.
func (store *Store) Course(courseID marketplace.CourseID) (marketplace.Course, bool) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	index := indexOf(store.courses, courseID)
	if index < 0 || store.courses[index].Dirty == marketplace.DirtyDelete {
		return marketplace.Course{}, false
	}
	return store.courses[index].Clone(), true
}

// Enrolled returns the last fetched enrolled courses.
func (store *Store) Enrolled() []marketplace.Course {
	store.mu.RLock()
	defer store.mu.RUnlock()
	return cloneCourses(store.enrolled)
}

// Enrollment returns the local enrollment record for courseID.
func (store *Store) Enrollment(courseID marketplace.CourseID) (marketplace.EnrollmentRecord, bool) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	record, ok := store.enrollments[courseID]
	return record, ok
}

// Stale reports whether the data shown may not reflect the server.
func (store *Store) Stale() bool {
	store.mu.RLock()
	defer store.mu.RUnlock()
	return store.stale
}

// LastError returns the most recent refresh failure, cleared by a successful refresh.
func (store *Store) LastError() error {
	store.mu.RLock()
	defer store.mu.RUnlock()
	return store.lastError
}

// DirtyCourses returns every course awaiting reconciliation.
func (store *Store) DirtyCourses() []marketplace.Course {
	store.mu.RLock()
	defer store.mu.RUnlock()
	dirty := make([]marketplace.Course, 0)
	for _, course := range store.courses {
		if course.IsDirty() {
			dirty = append(dirty, course.Clone())
		}
	}
	return dirty
}

// FetchCourse loads one course from the backend and merges it into memory.
func (store *Store) FetchCourse(ctx context.Context, courseID marketplace.CourseID) (marketplace.Course, error) {
	if store.isClosed() {
		return marketplace.Course{}, wrapStoreError(errorSubjectCourse, errorCodeClosed, ErrClosed)
	}
	requestCtx, cancel := context.WithTimeout(ctx, store.requestTimeout)
	defer cancel()
	record, err := store.backend.GetCourse(requestCtx, courseID)
	if err != nil {
		return marketplace.Course{}, wrapStoreError(errorSubjectCourse, errorCodeBackend, err)
	}
	course, err := normalizeCourse(record)
	if err != nil {
		return marketplace.Course{}, wrapStoreError(errorSubjectCourse, errorCodeNormalize, err)
	}

	store.mu.Lock()
	if store.closed {
		store.mu.Unlock()
		return marketplace.Course{}, wrapStoreError(errorSubjectCourse, errorCodeClosed, ErrClosed)
	}
	if index := indexOf(store.courses, courseID); index >= 0 {
		if store.courses[index].IsDirty() {
			store.mu.Unlock()
			return course, nil
		}
		store.courses[index] = course.Clone()
	} else {
		store.courses = append(store.courses, course.Clone())
	}
	store.populated = true
	snapshot := store.snapshotLocked()
	store.mu.Unlock()

	store.persistSnapshot(snapshot)
	store.notify(Change{Kind: ChangeCourseUpdated, CourseID: courseID})
	return course, nil
}

// Create validates draft locally, then creates it on the backend.
func (store *Store) Create(ctx context.Context, draft marketplace.DraftCourse) (marketplace.Course, error) {
	course, err := store.create(ctx, draft)
	store.logOperation(ctx, marketplace.OperationLog{
		Operation: marketplace.OperationCreate,
		StudentID: store.StudentID(),
		CourseID:  course.ID,
		Error:     err,
	})
	return course, err
}

func (store *Store) create(ctx context.Context, draft marketplace.DraftCourse) (marketplace.Course, error) {
	if err := draft.Validate(); err != nil {
		return marketplace.Course{}, wrapStoreError(errorSubjectCourse, errorCodeValidate, err)
	}
	if store.isClosed() {
		return marketplace.Course{}, wrapStoreError(errorSubjectCourse, errorCodeClosed, ErrClosed)
	}
	requestCtx, cancel := context.WithTimeout(ctx, store.requestTimeout)
	defer cancel()
	record, err := store.backend.CreateCourse(requestCtx, draftInput(draft))
	if err != nil {
		return marketplace.Course{}, wrapStoreError(errorSubjectCourse, errorCodeBackend, err)
	}
	course, err := normalizeCourse(record)
	if err != nil {
		return marketplace.Course{}, wrapStoreError(errorSubjectCourse, errorCodeNormalize, err)
	}

	store.mu.Lock()
	if store.closed {
		store.mu.Unlock()
		return course, nil
	}
	store.courses = append(store.courses, course.Clone())
	store.populated = true
	snapshot := store.snapshotLocked()
	store.mu.Unlock()

	store.persistSnapshot(snapshot)
	store.notify(Change{Kind: ChangeCourseCreated, CourseID: course.ID})
	store.reconciler.Trigger()
	return course, nil
}

// Update applies patch optimistically, then confirms it with the backend.
// On failure the change stays in memory marked dirty and the error is returned.
func (store *Store) Update(ctx context.Context, courseID marketplace.CourseID, patch marketplace.CoursePatch) (marketplace.Course, error) {
	course, err := store.update(ctx, courseID, patch)
	store.logOperation(ctx, marketplace.OperationLog{
		Operation: marketplace.OperationUpdate,
		StudentID: store.StudentID(),
		CourseID:  courseID,
		Error:     err,
	})
	return course, err
}

func (store *Store) update(ctx context.Context, courseID marketplace.CourseID, patch marketplace.CoursePatch) (marketplace.Course, error) {
	if patch.IsEmpty() {
		return marketplace.Course{}, wrapStoreError(errorSubjectCourse, errorCodeValidate, fmt.Errorf("%w: empty patch", marketplace.ErrValidation))
	}
	if patch.Status != nil {
		if _, err := marketplace.ParseCourseStatus(patch.Status.String()); err != nil {
			return marketplace.Course{}, wrapStoreError(errorSubjectCourse, errorCodeValidate, err)
		}
	}
	store.mu.Lock()
	if store.closed {
		store.mu.Unlock()
		return marketplace.Course{}, wrapStoreError(errorSubjectCourse, errorCodeClosed, ErrClosed)
	}
	index := indexOf(store.courses, courseID)
	if index < 0 || store.courses[index].Dirty == marketplace.DirtyDelete {
		store.mu.Unlock()
		return marketplace.Course{}, wrapStoreError(errorSubjectCourse, errorCodeValidate, fmt.Errorf("%w: %s", marketplace.ErrUnknownCourse, courseID))
	}
	optimistic := patch.Apply(store.courses[index])
	if strings.TrimSpace(optimistic.Title) == "" || strings.TrimSpace(optimistic.Category) == "" || strings.TrimSpace(optimistic.Level) == "" {
		store.mu.Unlock()
		return marketplace.Course{}, wrapStoreError(errorSubjectCourse, errorCodeValidate, fmt.Errorf("%w: title, category and level must stay set", marketplace.ErrMissingRequiredField))
	}
	optimistic.Dirty = marketplace.DirtyUpdate
	store.rememberConfirmedLocked(store.courses[index])
	store.courses[index] = optimistic
	store.mu.Unlock()
	store.notify(Change{Kind: ChangeCourseUpdated, CourseID: courseID})

	requestCtx, cancel := context.WithTimeout(ctx, store.requestTimeout)
	defer cancel()
	record, err := store.backend.UpdateCourse(requestCtx, courseID, courseInput(optimistic))
	if err != nil {
		store.logger.Warn("course update not confirmed, kept as dirty", zap.String("course_id", courseID.String()), zap.Error(err))
		return optimistic.Clone(), wrapStoreError(errorSubjectCourse, errorCodeBackend, err)
	}
	confirmed, err := normalizeCourse(record)
	if err != nil {
		return optimistic.Clone(), wrapStoreError(errorSubjectCourse, errorCodeNormalize, err)
	}

	store.mu.Lock()
	if store.closed {
		store.mu.Unlock()
		return confirmed, nil
	}
	if index := indexOf(store.courses, courseID); index >= 0 {
		store.courses[index] = confirmed.Clone()
	}
	delete(store.confirmed, courseID)
	snapshot := store.snapshotLocked()
	store.mu.Unlock()

	store.persistSnapshot(snapshot)
	store.notify(Change{Kind: ChangeCourseUpdated, CourseID: courseID})
	store.reconciler.Trigger()
	return confirmed, nil
}

// Delete hides the course optimistically, then confirms with the backend.
// On failure the course stays hidden, marked dirty, and the error is returned.
func (store *Store) Delete(ctx context.Context, courseID marketplace.CourseID) error {
	err := store.delete(ctx, courseID)
	store.logOperation(ctx, marketplace.OperationLog{
		Operation: marketplace.OperationDelete,
		StudentID: store.StudentID(),
		CourseID:  courseID,
		Error:     err,
	})
	return err
}

func (store *Store) delete(ctx context.Context, courseID marketplace.CourseID) error {
	store.mu.Lock()
	if store.closed {
		store.mu.Unlock()
		return wrapStoreError(errorSubjectCourse, errorCodeClosed, ErrClosed)
	}
	index := indexOf(store.courses, courseID)
	if index < 0 || store.courses[index].Dirty == marketplace.DirtyDelete {
		store.mu.Unlock()
		return wrapStoreError(errorSubjectCourse, errorCodeValidate, fmt.Errorf("%w: %s", marketplace.ErrUnknownCourse, courseID))
	}
	store.rememberConfirmedLocked(store.courses[index])
	store.courses[index].Dirty = marketplace.DirtyDelete
	store.mu.Unlock()
	store.notify(Change{Kind: ChangeCourseDeleted, CourseID: courseID})

	requestCtx, cancel := context.WithTimeout(ctx, store.requestTimeout)
	defer cancel()
	if err := store.backend.DeleteCourse(requestCtx, courseID); err != nil {
		store.logger.Warn("course delete not confirmed, kept as dirty", zap.String("course_id", courseID.String()), zap.Error(err))
		return wrapStoreError(errorSubjectCourse, errorCodeBackend, err)
	}

	store.mu.Lock()
	if store.closed {
		store.mu.Unlock()
		return nil
	}
	store.courses = slices.DeleteFunc(store.courses, func(course marketplace.Course) bool { return course.ID == courseID })
	delete(store.confirmed, courseID)
	snapshot := store.snapshotLocked()
	store.mu.Unlock()

	store.persistSnapshot(snapshot)
	store.reconciler.Trigger()
	return nil
}

// Enroll records the student's enrollment. It is idempotent: a known local
// record is returned without a call, and an "already enrolled" answer from
// the backend resolves to the existing record.
func (store *Store) Enroll(ctx context.Context, courseID marketplace.CourseID, reference marketplace.PaymentReference) (marketplace.EnrollmentRecord, error) {
	record, err := store.enroll(ctx, courseID, reference)
	store.logOperation(ctx, marketplace.OperationLog{
		Operation:        marketplace.OperationEnroll,
		StudentID:        store.StudentID(),
		CourseID:         courseID,
		PaymentReference: reference,
		Error:            err,
	})
	return record, err
}

func (store *Store) enroll(ctx context.Context, courseID marketplace.CourseID, reference marketplace.PaymentReference) (marketplace.EnrollmentRecord, error) {
	studentID := store.StudentID()
	if studentID.IsZero() || !backend.Authenticated(store.session) {
		return marketplace.EnrollmentRecord{}, wrapStoreError(errorSubjectEnroll, errorCodeValidate, fmt.Errorf("%w: enrollment requires a signed-in student", marketplace.ErrInvalidStudentID))
	}
	store.mu.RLock()
	closed := store.closed
	existing, enrolled := store.enrollments[courseID]
	index := indexOf(store.courses, courseID)
	var known marketplace.Course
	if index >= 0 {
		known = store.courses[index]
	}
	store.mu.RUnlock()
	if closed {
		return marketplace.EnrollmentRecord{}, wrapStoreError(errorSubjectEnroll, errorCodeClosed, ErrClosed)
	}
	if enrolled && existing.StudentID == studentID {
		return existing, nil
	}
	if index >= 0 && !known.Enrollable() {
		return marketplace.EnrollmentRecord{}, wrapStoreError(errorSubjectEnroll, errorCodeValidate, fmt.Errorf("%w: %s is %s", marketplace.ErrCourseNotEnrollable, courseID, known.Status))
	}

	requestCtx, cancel := context.WithTimeout(ctx, store.requestTimeout)
	defer cancel()
	response, err := store.backend.Enroll(requestCtx, courseID, backend.EnrollRequest{PaymentReference: reference.String()}, EnrollmentIdempotencyKey(courseID, studentID, reference))
	if err != nil {
		if errors.Is(err, marketplace.ErrEnrollmentConflict) {
			return store.resolveExistingEnrollment(ctx, courseID, studentID, reference)
		}
		return marketplace.EnrollmentRecord{}, wrapStoreError(errorSubjectEnroll, errorCodeBackend, err)
	}
	record, err := normalizeEnrollment(response.Enrollment)
	if err != nil {
		return marketplace.EnrollmentRecord{}, wrapStoreError(errorSubjectEnroll, errorCodeNormalize, err)
	}
	var updated *marketplace.Course
	if response.Course != nil {
		if course, err := normalizeCourse(*response.Course); err == nil {
			updated = &course
		} else {
			store.logger.Warn("enroll returned malformed course", zap.Error(err))
		}
	}
	store.commitEnrollment(record, updated)
	return record, nil
}

func (store *Store) resolveExistingEnrollment(ctx context.Context, courseID marketplace.CourseID, studentID marketplace.StudentID, reference marketplace.PaymentReference) (marketplace.EnrollmentRecord, error) {
	store.logger.Info("backend reports existing enrollment", zap.String("course_id", courseID.String()))
	if _, err := store.refreshEnrollments(ctx); err != nil {
		store.logger.Warn("enrollment lookup after conflict failed", zap.Error(err))
	}
	if record, ok := store.Enrollment(courseID); ok {
		return record, nil
	}
	record := marketplace.EnrollmentRecord{
		CourseID:         courseID,
		StudentID:        studentID,
		PaymentReference: reference,
		CreatedAt:        store.nowFn(),
	}
	store.commitEnrollment(record, nil)
	return record, nil
}

func (store *Store) commitEnrollment(record marketplace.EnrollmentRecord, updated *marketplace.Course) {
	store.mu.Lock()
	if store.closed {
		store.mu.Unlock()
		return
	}
	store.enrollments[record.CourseID] = record
	index := indexOf(store.courses, record.CourseID)
	var course marketplace.Course
	switch {
	case updated != nil:
		course = updated.Clone()
		if index >= 0 && !store.courses[index].IsDirty() {
			store.courses[index] = course.Clone()
		}
	case index >= 0:
		course = store.courses[index].Clone()
		studentID := record.StudentID.String()
		if !slices.Contains(course.StudentIDs, studentID) {
			course.StudentIDs = append(course.StudentIDs, studentID)
			course.EnrolledCount = len(course.StudentIDs)
			store.courses[index].StudentIDs = slices.Clone(course.StudentIDs)
			store.courses[index].EnrolledCount = course.EnrolledCount
		}
	default:
		course = marketplace.Course{ID: record.CourseID}
	}
	if enrolledIndex := indexOf(store.enrolled, record.CourseID); enrolledIndex >= 0 {
		store.enrolled[enrolledIndex] = course
	} else {
		store.enrolled = append(store.enrolled, course)
	}
	snapshot := store.snapshotLocked()
	store.mu.Unlock()

	store.persistSnapshot(snapshot)
	store.notify(Change{Kind: ChangeEnrolled, CourseID: record.CourseID})
	store.reconciler.Trigger()
}

// EnrollmentIdempotencyKey derives the stable key of an enrollment tuple so a
// retried call is recognized by the backend.
func EnrollmentIdempotencyKey(courseID marketplace.CourseID, studentID marketplace.StudentID, reference marketplace.PaymentReference) string {
	tuple := courseID.String() + "|" + studentID.String() + "|" + reference.String()
	return uuid.NewSHA1(enrollmentNamespace, []byte(tuple)).String()
}

// Subscribe registers listener for change notifications.
func (store *Store) Subscribe(listener func(Change)) (unsubscribe func()) {
	if listener == nil {
		return func() {}
	}
	store.mu.Lock()
	listenerID := store.nextListenerID
	store.nextListenerID++
	store.listeners[listenerID] = listener
	store.mu.Unlock()
	return func() {
		store.mu.Lock()
		delete(store.listeners, listenerID)
		store.mu.Unlock()
	}
}

// Close detaches listeners. Results of calls still in flight are discarded.
func (store *Store) Close() {
	store.mu.Lock()
	store.closed = true
	store.listeners = make(map[int]func(Change))
	store.mu.Unlock()
}

func (store *Store) isClosed() bool {
	store.mu.RLock()
	defer store.mu.RUnlock()
	return store.closed
}

func (store *Store) nextRefreshSequence() uint64 {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.refreshSequence++
	return store.refreshSequence
}

func (store *Store) applySnapshotLocked(snapshot marketplace.Snapshot) {
	store.courses = cloneCourses(snapshot.Courses)
	store.confirmed = make(map[marketplace.CourseID]marketplace.Course)
	store.applyEnrollmentSnapshotLocked(snapshot)
	store.populated = true
	store.stale = true
}

func (store *Store) applyEnrollmentSnapshotLocked(snapshot marketplace.Snapshot) {
	store.enrolled = cloneCourses(snapshot.EnrolledCourses)
	store.enrollments = make(map[marketplace.CourseID]marketplace.EnrollmentRecord, len(snapshot.Enrollments))
	for _, record := range snapshot.Enrollments {
		store.enrollments[record.CourseID] = record
	}
}

func (store *Store) snapshotLocked() marketplace.Snapshot {
	enrollments := make([]marketplace.EnrollmentRecord, 0, len(store.enrollments))
	for _, course := range store.enrolled {
		if record, ok := store.enrollments[course.ID]; ok {
			enrollments = append(enrollments, record)
		}
	}
	for courseID, record := range store.enrollments {
		if indexOf(store.enrolled, courseID) < 0 {
			enrollments = append(enrollments, record)
		}
	}
	return marketplace.Snapshot{
		StudentID:       store.StudentID(),
		Courses:         store.confirmedCoursesLocked(),
		EnrolledCourses: cloneCourses(store.enrolled),
		Enrollments:     enrollments,
		SavedAt:         store.nowFn(),
	}
}

// rememberConfirmedLocked keeps the server version of course before its first
// optimistic change.
func (store *Store) rememberConfirmedLocked(course marketplace.Course) {
	if course.IsDirty() {
		return
	}
	if _, ok := store.confirmed[course.ID]; ok {
		return
	}
	store.confirmed[course.ID] = course.Clone()
}

// refreshConfirmedLocked moves the remembered server versions of dirty
// courses to the fetched ones and forgets courses the server dropped.
func (store *Store) refreshConfirmedLocked(fetched []marketplace.Course) {
	onServer := make(map[marketplace.CourseID]marketplace.Course, len(fetched))
	for _, course := range fetched {
		onServer[course.ID] = course
	}
	for courseID := range store.confirmed {
		course, ok := onServer[courseID]
		if !ok {
			delete(store.confirmed, courseID)
			continue
		}
		store.confirmed[courseID] = course.Clone()
	}
}

// confirmedCoursesLocked lists courses as the server last reported them.
// Optimistic versions never reach the snapshot.
func (store *Store) confirmedCoursesLocked() []marketplace.Course {
	courses := make([]marketplace.Course, 0, len(store.courses))
	for _, course := range store.courses {
		if !course.IsDirty() {
			courses = append(courses, course.Clone())
			continue
		}
		if confirmed, ok := store.confirmed[course.ID]; ok {
			confirmed.Dirty = marketplace.DirtyNone
			courses = append(courses, confirmed.Clone())
		}
	}
	return courses
}

func (store *Store) persistSnapshot(snapshot marketplace.Snapshot) {
	if store.cache == nil {
		return
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		store.logger.Warn("snapshot encode failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), store.requestTimeout)
	defer cancel()
	if err := store.cache.Put(ctx, marketplace.SnapshotKey(snapshot.StudentID), raw); err != nil {
		store.logger.Warn("snapshot write failed", zap.Error(err))
	}
}

func (store *Store) notify(change Change) {
	store.mu.RLock()
	if store.closed {
		store.mu.RUnlock()
		return
	}
	listeners := make([]func(Change), 0, len(store.listeners))
	for _, listener := range store.listeners {
		listeners = append(listeners, listener)
	}
	store.mu.RUnlock()
	for _, listener := range listeners {
		listener(change)
	}
}

func (store *Store) logOperation(ctx context.Context, entry marketplace.OperationLog) {
	if store.operationLogger == nil {
		return
	}
	store.operationLogger.LogOperation(ctx, entry)
}

func indexOf(courses []marketplace.Course, courseID marketplace.CourseID) int {
	return slices.IndexFunc(courses, func(course marketplace.Course) bool { return course.ID == courseID })
}

func cloneCourses(courses []marketplace.Course) []marketplace.Course {
	if courses == nil {
		return nil
	}
	cloned := make([]marketplace.Course, 0, len(courses))
	for _, course := range courses {
		cloned = append(cloned, course.Clone())
	}
	return cloned
}

func wrapStoreError(subject string, code string, err error) error {
	return marketplace.WrapError(errorOperationStore, subject, code, err)
}
