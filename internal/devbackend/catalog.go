package devbackend

import (
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
)

var (
	errCourseNotFound   = errors.New("course not found")
	errNotInstructor    = errors.New("only the instructor may modify this course")
	errNotOpen          = errors.New("course is not open for enrollment")
	errPaymentRequired  = errors.New("payment reference required for a paid course")
	errAlreadyEnrolled  = errors.New("student " + backend.AlreadyEnrolledMessage + " in this course")
	errInvalidCourseSet = errors.New("title, category and level are required")
)

// Failure is an injected response for a route.
type Failure struct {
	Status  int
	Message string
}

// Catalog is the in-memory course database behind the development backend.
type Catalog struct {
	mu          sync.Mutex
	courses     map[string]backend.CourseRecord
	order       []string
	enrollments map[string]map[string]backend.EnrollmentPayload
	idempotency map[string]backend.EnrollResponse
	failures    map[string][]Failure
	nowFn       func() time.Time
}

// NewCatalog builds an empty Catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		courses:     make(map[string]backend.CourseRecord),
		enrollments: make(map[string]map[string]backend.EnrollmentPayload),
		idempotency: make(map[string]backend.EnrollResponse),
		failures:    make(map[string][]Failure),
		nowFn:       func() time.Time { return time.Now().UTC() },
	}
}

// Seed inserts records as-is, assigning ids where missing.
func (catalog *Catalog) Seed(records ...backend.CourseRecord) []backend.CourseRecord {
	catalog.mu.Lock()
	defer catalog.mu.Unlock()
	seeded := make([]backend.CourseRecord, 0, len(records))
	for _, record := range records {
		if strings.TrimSpace(record.ID) == "" {
			record.ID = uuid.NewString()
		}
		if record.UpdatedAt.IsZero() {
			record.UpdatedAt = catalog.nowFn()
		}
		if _, exists := catalog.courses[record.ID]; !exists {
			catalog.order = append(catalog.order, record.ID)
		}
		catalog.courses[record.ID] = record
		seeded = append(seeded, record)
	}
	return seeded
}

// FailNext queues failures for route, a "METHOD /pattern" pair such as
// "POST /courses/:id/enroll". Each request to the route consumes one.
func (catalog *Catalog) FailNext(route string, failures ...Failure) {
	catalog.mu.Lock()
	defer catalog.mu.Unlock()
	catalog.failures[route] = append(catalog.failures[route], failures...)
}

func (catalog *Catalog) takeFailure(route string) (Failure, bool) {
	catalog.mu.Lock()
	defer catalog.mu.Unlock()
	queued := catalog.failures[route]
	if len(queued) == 0 {
		return Failure{}, false
	}
	catalog.failures[route] = queued[1:]
	return queued[0], true
}

// List returns courses in insertion order, optionally only active ones.
func (catalog *Catalog) List(activeOnly bool) []backend.CourseRecord {
	catalog.mu.Lock()
	defer catalog.mu.Unlock()
	result := make([]backend.CourseRecord, 0, len(catalog.order))
	for _, courseID := range catalog.order {
		record := catalog.courses[courseID]
		if activeOnly && record.Status != string(marketplace.CourseStatusActive) {
			continue
		}
		result = append(result, cloneRecord(record))
	}
	return result
}

// Get returns a single course.
func (catalog *Catalog) Get(courseID string) (backend.CourseRecord, error) {
	catalog.mu.Lock()
	defer catalog.mu.Unlock()
	record, ok := catalog.courses[courseID]
	if !ok {
		return backend.CourseRecord{}, errCourseNotFound
	}
	return cloneRecord(record), nil
}

// Create inserts a course owned by instructor.
func (catalog *Catalog) Create(instructor string, input backend.CourseInput) (backend.CourseRecord, error) {
	record, err := recordFromInput(backend.CourseRecord{ID: uuid.NewString(), Instructor: instructor, Status: string(marketplace.CourseStatusDraft)}, input)
	if err != nil {
		return backend.CourseRecord{}, err
	}
	catalog.mu.Lock()
	defer catalog.mu.Unlock()
	record.UpdatedAt = catalog.nowFn()
	catalog.courses[record.ID] = record
	catalog.order = append(catalog.order, record.ID)
	return cloneRecord(record), nil
}

// Update replaces the mutable fields of a course.
func (catalog *Catalog) Update(instructor string, courseID string, input backend.CourseInput) (backend.CourseRecord, error) {
	catalog.mu.Lock()
	defer catalog.mu.Unlock()
	existing, ok := catalog.courses[courseID]
	if !ok {
		return backend.CourseRecord{}, errCourseNotFound
	}
	if existing.Instructor != "" && existing.Instructor != instructor {
		return backend.CourseRecord{}, errNotInstructor
	}
	record, err := recordFromInput(existing, input)
	if err != nil {
		return backend.CourseRecord{}, err
	}
	record.UpdatedAt = catalog.nowFn()
	catalog.courses[courseID] = record
	return cloneRecord(record), nil
}

// Delete removes a course and its enrollments.
func (catalog *Catalog) Delete(instructor string, courseID string) error {
	catalog.mu.Lock()
	defer catalog.mu.Unlock()
	existing, ok := catalog.courses[courseID]
	if !ok {
		return errCourseNotFound
	}
	if existing.Instructor != "" && existing.Instructor != instructor {
		return errNotInstructor
	}
	delete(catalog.courses, courseID)
	delete(catalog.enrollments, courseID)
	catalog.order = slices.DeleteFunc(catalog.order, func(candidate string) bool { return candidate == courseID })
	return nil
}

// Enroll records studentID in courseID. A repeated idempotency key replays
// the first response; a second enrollment without one is rejected.
func (catalog *Catalog) Enroll(studentID string, courseID string, request backend.EnrollRequest, idempotencyKey string) (backend.EnrollResponse, error) {
	catalog.mu.Lock()
	defer catalog.mu.Unlock()
	replayKey := ""
	if idempotencyKey != "" {
		replayKey = studentID + ":" + idempotencyKey
		if response, ok := catalog.idempotency[replayKey]; ok {
			return response, nil
		}
	}
	record, ok := catalog.courses[courseID]
	if !ok {
		return backend.EnrollResponse{}, errCourseNotFound
	}
	if record.Status != string(marketplace.CourseStatusActive) {
		return backend.EnrollResponse{}, errNotOpen
	}
	if _, enrolled := catalog.enrollments[courseID][studentID]; enrolled {
		return backend.EnrollResponse{}, errAlreadyEnrolled
	}
	price, err := priceOf(record)
	if err != nil {
		return backend.EnrollResponse{}, err
	}
	if !price.IsZero() && strings.TrimSpace(request.PaymentReference) == "" {
		return backend.EnrollResponse{}, errPaymentRequired
	}

	enrollment := backend.EnrollmentPayload{
		CourseID:         courseID,
		StudentID:        studentID,
		PaymentReference: strings.TrimSpace(request.PaymentReference),
		CreatedAt:        catalog.nowFn(),
	}
	if catalog.enrollments[courseID] == nil {
		catalog.enrollments[courseID] = make(map[string]backend.EnrollmentPayload)
	}
	catalog.enrollments[courseID][studentID] = enrollment
	record.Students = append(slices.Clone(record.Students), studentID)
	record.UpdatedAt = catalog.nowFn()
	catalog.courses[courseID] = record

	updated := cloneRecord(record)
	response := backend.EnrollResponse{Enrollment: enrollment, Course: &updated}
	if replayKey != "" {
		catalog.idempotency[replayKey] = response
	}
	return response, nil
}

// Enrolled lists the courses and enrollment records of studentID.
func (catalog *Catalog) Enrolled(studentID string) backend.EnrolledResponse {
	catalog.mu.Lock()
	defer catalog.mu.Unlock()
	response := backend.EnrolledResponse{
		Courses:     []backend.CourseRecord{},
		Enrollments: []backend.EnrollmentPayload{},
	}
	for _, courseID := range catalog.order {
		enrollment, ok := catalog.enrollments[courseID][studentID]
		if !ok {
			continue
		}
		response.Courses = append(response.Courses, cloneRecord(catalog.courses[courseID]))
		response.Enrollments = append(response.Enrollments, enrollment)
	}
	return response
}

func recordFromInput(base backend.CourseRecord, input backend.CourseInput) (backend.CourseRecord, error) {
	if strings.TrimSpace(input.Title) == "" || strings.TrimSpace(input.Category) == "" || strings.TrimSpace(input.Level) == "" {
		return backend.CourseRecord{}, errInvalidCourseSet
	}
	price, err := marketplace.ParseAmount(input.Price)
	if err != nil {
		return backend.CourseRecord{}, fmt.Errorf("price: %w", err)
	}
	reward, err := marketplace.ParseAmount(input.RewardAmount)
	if err != nil {
		return backend.CourseRecord{}, fmt.Errorf("reward amount: %w", err)
	}
	if strings.TrimSpace(input.Status) != "" {
		status, err := marketplace.ParseCourseStatus(input.Status)
		if err != nil {
			return backend.CourseRecord{}, err
		}
		base.Status = string(status)
	}
	base.Title = strings.TrimSpace(input.Title)
	base.Description = strings.TrimSpace(input.Description)
	base.Category = strings.TrimSpace(input.Category)
	base.Level = strings.TrimSpace(input.Level)
	base.Price = json.RawMessage(price.String())
	base.RewardAmount = json.RawMessage(reward.String())
	base.Lessons = slices.Clone(input.Lessons)
	return base, nil
}

func priceOf(record backend.CourseRecord) (marketplace.Amount, error) {
	if len(record.Price) == 0 {
		return marketplace.ZeroAmount, nil
	}
	var price marketplace.Amount
	if err := json.Unmarshal(record.Price, &price); err != nil {
		return marketplace.Amount{}, err
	}
	return price, nil
}

func cloneRecord(record backend.CourseRecord) backend.CourseRecord {
	record.Students = slices.Clone(record.Students)
	record.Lessons = slices.Clone(record.Lessons)
	record.Price = slices.Clone(record.Price)
	record.RewardAmount = slices.Clone(record.RewardAmount)
	return record
}
