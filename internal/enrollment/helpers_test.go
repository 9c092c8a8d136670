package enrollment_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/coursemarket/internal/enrollment"
	"github.com/MarkoPoloResearchLab/coursemarket/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/coursemarket/internal/wallet"
	"github.com/MarkoPoloResearchLab/coursemarket/internal/wallet/devwallet"
	"github.com/MarkoPoloResearchLab/coursemarket/pkg/marketplace"
)

const (
	testStudent     = "student-1"
	studentAddress  = "0xstudent"
	platformAddress = "0xplatform"
)

var errBackendTimeout = fmt.Errorf("%w: request timed out", marketplace.ErrServerUnreachable)

// fakeCourses is an in-memory CourseSource with scripted enroll failures.
type fakeCourses struct {
	mu           sync.Mutex
	studentID    marketplace.StudentID
	courses      map[marketplace.CourseID]marketplace.Course
	records      map[marketplace.CourseID]marketplace.EnrollmentRecord
	enrollErrs   []error
	failAlways   error
	enrollRefs   []marketplace.PaymentReference
	fetchCalls   int
	beforeEnroll func()
}

func newFakeCourses(test *testing.T, courses ...marketplace.Course) *fakeCourses {
	test.Helper()
	fake := &fakeCourses{
		studentID: mustStudentID(test, testStudent),
		courses:   make(map[marketplace.CourseID]marketplace.Course),
		records:   make(map[marketplace.CourseID]marketplace.EnrollmentRecord),
	}
	for _, course := range courses {
		fake.courses[course.ID] = course
	}
	return fake
}

func (fake *fakeCourses) StudentID() marketplace.StudentID {
	return fake.studentID
}

func (fake *fakeCourses) Course(courseID marketplace.CourseID) (marketplace.Course, bool) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	course, ok := fake.courses[courseID]
	return course, ok
}

func (fake *fakeCourses) FetchCourse(_ context.Context, courseID marketplace.CourseID) (marketplace.Course, error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.fetchCalls++
	return marketplace.Course{}, fmt.Errorf("%w: %s", marketplace.ErrServerRejected, courseID)
}

func (fake *fakeCourses) Enrollment(courseID marketplace.CourseID) (marketplace.EnrollmentRecord, bool) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	record, ok := fake.records[courseID]
	return record, ok
}

func (fake *fakeCourses) Enroll(_ context.Context, courseID marketplace.CourseID, reference marketplace.PaymentReference) (marketplace.EnrollmentRecord, error) {
	fake.mu.Lock()
	hook := fake.beforeEnroll
	fake.mu.Unlock()
	if hook != nil {
		hook()
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.enrollRefs = append(fake.enrollRefs, reference)
	if record, ok := fake.records[courseID]; ok {
		return record, nil
	}
	if len(fake.enrollErrs) > 0 {
		err := fake.enrollErrs[0]
		fake.enrollErrs = fake.enrollErrs[1:]
		return marketplace.EnrollmentRecord{}, err
	}
	if fake.failAlways != nil {
		return marketplace.EnrollmentRecord{}, fake.failAlways
	}
	record := marketplace.EnrollmentRecord{
		CourseID:         courseID,
		StudentID:        fake.studentID,
		PaymentReference: reference,
		CreatedAt:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	fake.records[courseID] = record
	return record, nil
}

func (fake *fakeCourses) enrollCalls() int {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	return len(fake.enrollRefs)
}

func (fake *fakeCourses) references() []marketplace.PaymentReference {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	return append([]marketplace.PaymentReference(nil), fake.enrollRefs...)
}

// transitionLog collects observed transitions.
type transitionLog struct {
	mu          sync.Mutex
	transitions []enrollment.Transition
}

func (log *transitionLog) OnTransition(transition enrollment.Transition) {
	log.mu.Lock()
	log.transitions = append(log.transitions, transition)
	log.mu.Unlock()
}

func (log *transitionLog) states() []enrollment.State {
	log.mu.Lock()
	defer log.mu.Unlock()
	states := make([]enrollment.State, 0, len(log.transitions))
	for _, transition := range log.transitions {
		states = append(states, transition.To)
	}
	return states
}

func (log *transitionLog) count(state enrollment.State) int {
	total := 0
	for _, observed := range log.states() {
		if observed == state {
			total++
		}
	}
	return total
}

// countingConfirmer answers every prompt with a fixed decision.
type countingConfirmer struct {
	mu       sync.Mutex
	approve  bool
	prompts  []enrollment.Quote
	released chan struct{}
	entered  chan struct{}
}

func (confirmer *countingConfirmer) Confirm(ctx context.Context, quote enrollment.Quote) (bool, error) {
	confirmer.mu.Lock()
	confirmer.prompts = append(confirmer.prompts, quote)
	entered := confirmer.entered
	released := confirmer.released
	confirmer.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if released != nil {
		select {
		case <-released:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return confirmer.approve, nil
}

func (confirmer *countingConfirmer) promptCount() int {
	confirmer.mu.Lock()
	defer confirmer.mu.Unlock()
	return len(confirmer.prompts)
}

type harness struct {
	courses   *fakeCourses
	provider  *devwallet.Provider
	adapter   *wallet.Adapter
	confirmer *countingConfirmer
	cache     *memstore.Store
	log       *transitionLog
}

func newHarness(test *testing.T, balance string, courses ...marketplace.Course) *harness {
	test.Helper()
	provider := devwallet.New(devwallet.WithAccount(studentAddress, marketplace.MustParseAmount(balance)))
	adapter := wallet.NewAdapter(provider)
	test.Cleanup(adapter.Close)
	return &harness{
		courses:   newFakeCourses(test, courses...),
		provider:  provider,
		adapter:   adapter,
		confirmer: &countingConfirmer{approve: true},
		cache:     memstore.New(),
		log:       &transitionLog{},
	}
}

func (h *harness) coordinator(test *testing.T, options ...enrollment.Option) *enrollment.Coordinator {
	test.Helper()
	defaults := []enrollment.Option{
		enrollment.WithRecipient(platformAddress),
		enrollment.WithCache(h.cache),
		enrollment.WithObserver(h.log),
		enrollment.WithRetryBase(time.Millisecond),
	}
	coordinator, err := enrollment.New(h.courses, h.adapter, h.confirmer, append(defaults, options...)...)
	if err != nil {
		test.Fatalf("new coordinator: %v", err)
	}
	return coordinator
}

func (h *harness) providerCalls() int {
	total := 0
	for _, method := range []string{
		devwallet.MethodRequestAccounts,
		devwallet.MethodAccounts,
		devwallet.MethodChainID,
		devwallet.MethodBalance,
		devwallet.MethodSendTransaction,
		devwallet.MethodWaitForConfirmation,
	} {
		total += h.provider.Calls(method)
	}
	return total
}

func course(test *testing.T, id string, price string, status marketplace.CourseStatus) marketplace.Course {
	test.Helper()
	return marketplace.Course{
		ID:       mustCourseID(test, id),
		Title:    "Course " + id,
		Category: "dev",
		Level:    "beginner",
		Price:    marketplace.MustParseAmount(price),
		Status:   status,
	}
}

func mustCourseID(test *testing.T, raw string) marketplace.CourseID {
	test.Helper()
	courseID, err := marketplace.NewCourseID(raw)
	if err != nil {
		test.Fatalf("course id: %v", err)
	}
	return courseID
}

func mustStudentID(test *testing.T, raw string) marketplace.StudentID {
	test.Helper()
	studentID, err := marketplace.NewStudentID(raw)
	if err != nil {
		test.Fatalf("student id: %v", err)
	}
	return studentID
}
