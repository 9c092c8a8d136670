package coursestore

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/coursemarket/internal/backend"
	"github.com/MarkoPoloResearchLab/coursemarket/pkg/marketplace"
)

const (
	callListCourses    = "list"
	callListAllCourses = "list_all"
	callGetCourse      = "get"
	callEnrolled       = "enrolled"
	callCreate         = "create"
	callUpdate         = "update"
	callDelete         = "delete"
	callEnroll         = "enroll"
)

var errUnreachable = fmt.Errorf("%w: connection refused", marketplace.ErrServerUnreachable)

type stubBackend struct {
	mu          sync.Mutex
	records     []backend.CourseRecord
	enrollments []backend.EnrollmentPayload
	listErr     error
	enrolledErr error
	createErr   error
	updateErr   error
	deleteErr   error
	enrollErrs  []error
	listGate    chan struct{}
	calls       map[string]int
	enrollKeys  []string
}

func newStubBackend(records ...backend.CourseRecord) *stubBackend {
	return &stubBackend{records: records, calls: make(map[string]int)}
}

func (stub *stubBackend) record(call string) {
	stub.mu.Lock()
	stub.calls[call]++
	stub.mu.Unlock()
}

func (stub *stubBackend) callCount(call string) int {
	stub.mu.Lock()
	defer stub.mu.Unlock()
	return stub.calls[call]
}

func (stub *stubBackend) setListErr(err error) {
	stub.mu.Lock()
	stub.listErr = err
	stub.mu.Unlock()
}

func (stub *stubBackend) setRecords(records ...backend.CourseRecord) {
	stub.mu.Lock()
	stub.records = records
	stub.mu.Unlock()
}

func (stub *stubBackend) list(ctx context.Context, activeOnly bool) ([]backend.CourseRecord, error) {
	stub.mu.Lock()
	gate := stub.listGate
	stub.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	stub.mu.Lock()
	defer stub.mu.Unlock()
	if stub.listErr != nil {
		return nil, stub.listErr
	}
	result := make([]backend.CourseRecord, 0, len(stub.records))
	for _, record := range stub.records {
		if activeOnly && record.Status != "active" {
			continue
		}
		result = append(result, record)
	}
	return result, nil
}

func (stub *stubBackend) ListCourses(ctx context.Context) ([]backend.CourseRecord, error) {
	stub.record(callListCourses)
	return stub.list(ctx, true)
}

func (stub *stubBackend) ListAllCourses(ctx context.Context) ([]backend.CourseRecord, error) {
	stub.record(callListAllCourses)
	return stub.list(ctx, false)
}

func (stub *stubBackend) GetCourse(_ context.Context, courseID marketplace.CourseID) (backend.CourseRecord, error) {
	stub.record(callGetCourse)
	stub.mu.Lock()
	defer stub.mu.Unlock()
	for _, record := range stub.records {
		if record.ID == courseID.String() {
			return record, nil
		}
	}
	return backend.CourseRecord{}, &backend.APIError{Method: "GET", Path: "/courses/" + courseID.String(), StatusCode: 404, Message: "course not found"}
}

func (stub *stubBackend) EnrolledCourses(context.Context) (backend.EnrolledResponse, error) {
	stub.record(callEnrolled)
	stub.mu.Lock()
	defer stub.mu.Unlock()
	if stub.enrolledErr != nil {
		return backend.EnrolledResponse{}, stub.enrolledErr
	}
	response := backend.EnrolledResponse{}
	for _, enrollment := range stub.enrollments {
		for _, record := range stub.records {
			if record.ID == enrollment.CourseID {
				response.Courses = append(response.Courses, record)
			}
		}
		response.Enrollments = append(response.Enrollments, enrollment)
	}
	return response, nil
}

func (stub *stubBackend) CreateCourse(_ context.Context, input backend.CourseInput) (backend.CourseRecord, error) {
	stub.record(callCreate)
	stub.mu.Lock()
	defer stub.mu.Unlock()
	if stub.createErr != nil {
		return backend.CourseRecord{}, stub.createErr
	}
	record := backend.CourseRecord{
		ID:       fmt.Sprintf("created-%d", len(stub.records)+1),
		Title:    input.Title,
		Category: input.Category,
		Level:    input.Level,
		Price:    json.RawMessage(input.Price),
		Status:   "draft",
		Lessons:  input.Lessons,
	}
	stub.records = append(stub.records, record)
	return record, nil
}

func (stub *stubBackend) UpdateCourse(_ context.Context, courseID marketplace.CourseID, input backend.CourseInput) (backend.CourseRecord, error) {
	stub.record(callUpdate)
	stub.mu.Lock()
	defer stub.mu.Unlock()
	if stub.updateErr != nil {
		return backend.CourseRecord{}, stub.updateErr
	}
	for index, record := range stub.records {
		if record.ID != courseID.String() {
			continue
		}
		record.Title = input.Title
		record.Description = input.Description
		record.Category = input.Category
		record.Level = input.Level
		record.Price = json.RawMessage(input.Price)
		record.Status = input.Status
		stub.records[index] = record
		return record, nil
	}
	return backend.CourseRecord{}, &backend.APIError{Method: "PUT", StatusCode: 404, Message: "course not found"}
}

func (stub *stubBackend) DeleteCourse(_ context.Context, courseID marketplace.CourseID) error {
	stub.record(callDelete)
	stub.mu.Lock()
	defer stub.mu.Unlock()
	if stub.deleteErr != nil {
		return stub.deleteErr
	}
	stub.records = slices.DeleteFunc(stub.records, func(record backend.CourseRecord) bool { return record.ID == courseID.String() })
	return nil
}

func (stub *stubBackend) Enroll(_ context.Context, courseID marketplace.CourseID, request backend.EnrollRequest, idempotencyKey string) (backend.EnrollResponse, error) {
	stub.record(callEnroll)
	stub.mu.Lock()
	defer stub.mu.Unlock()
	stub.enrollKeys = append(stub.enrollKeys, idempotencyKey)
	if len(stub.enrollErrs) > 0 {
		err := stub.enrollErrs[0]
		stub.enrollErrs = stub.enrollErrs[1:]
		if err != nil {
			return backend.EnrollResponse{}, err
		}
	}
	enrollment := backend.EnrollmentPayload{
		CourseID:         courseID.String(),
		StudentID:        testStudent,
		PaymentReference: request.PaymentReference,
		CreatedAt:        time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	stub.enrollments = append(stub.enrollments, enrollment)
	return backend.EnrollResponse{Enrollment: enrollment}, nil
}

const testStudent = "student-1"

func courseRecord(id string, price string, status string, students ...string) backend.CourseRecord {
	return backend.CourseRecord{
		ID:       id,
		Title:    "Course " + id,
		Category: "dev",
		Level:    "beginner",
		Price:    json.RawMessage(price),
		Status:   status,
		Students: students,
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

func mustReference(test *testing.T, raw string) marketplace.PaymentReference {
	test.Helper()
	reference, err := marketplace.NewPaymentReference(raw)
	if err != nil {
		test.Fatalf("payment reference: %v", err)
	}
	return reference
}

func studentSession(test *testing.T) backend.Session {
	test.Helper()
	return backend.NewStaticSession("token", mustStudentID(test, testStudent))
}

func mustNewStore(test *testing.T, stub *stubBackend, cache marketplace.CacheStore, session backend.Session) *Store {
	test.Helper()
	store, err := New(stub, cache, session, WithRequestTimeout(time.Second))
	if err != nil {
		test.Fatalf("new store: %v", err)
	}
	test.Cleanup(store.Close)
	return store
}

func anonymousSession() backend.Session {
	return backend.NewStaticSession("", marketplace.StudentID{})
}
