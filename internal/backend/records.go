package backend

import (
	"encoding/json"
	"time"
)

// CourseRecord is a course as the backend serializes it. Price is kept raw
// because the backend emits it as a number or a string.
type CourseRecord struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	Description  string          `json:"description,omitempty"`
	Category     string          `json:"category"`
	Level        string          `json:"level"`
	Instructor   string          `json:"instructor,omitempty"`
	Price        json.RawMessage `json:"price,omitempty"`
	RewardAmount json.RawMessage `json:"rewardAmount,omitempty"`
	Status       string          `json:"status"`
	Students     []string        `json:"students,omitempty"`
	Lessons      []LessonRecord  `json:"lessons,omitempty"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// LessonRecord carries a single content field whose meaning depends on Type.
type LessonRecord struct {
	Title    string `json:"title"`
	Type     string `json:"type"`
	Content  string `json:"content,omitempty"`
	Duration int    `json:"duration,omitempty"`
}

// CourseInput is the body of create and update calls.
type CourseInput struct {
	Title        string         `json:"title"`
	Description  string         `json:"description,omitempty"`
	Category     string         `json:"category"`
	Level        string         `json:"level"`
	Price        string         `json:"price"`
	RewardAmount string         `json:"rewardAmount,omitempty"`
	Status       string         `json:"status,omitempty"`
	Lessons      []LessonRecord `json:"lessons,omitempty"`
}

// EnrollRequest is the body of POST /courses/:id/enroll.
type EnrollRequest struct {
	PaymentReference string `json:"paymentReference,omitempty"`
}

// EnrollmentPayload is an enrollment as the backend serializes it.
type EnrollmentPayload struct {
	CourseID         string    `json:"courseId"`
	StudentID        string    `json:"studentId"`
	PaymentReference string    `json:"paymentReference,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// EnrollResponse is returned by a successful enroll call.
type EnrollResponse struct {
	Enrollment EnrollmentPayload `json:"enrollment"`
	Course     *CourseRecord     `json:"course,omitempty"`
}

// EnrolledResponse lists the caller's enrolled courses.
type EnrolledResponse struct {
	Courses     []CourseRecord      `json:"courses"`
	Enrollments []EnrollmentPayload `json:"enrollments"`
}

type coursesEnvelope struct {
	Courses []CourseRecord `json:"courses"`
}

type courseEnvelope struct {
	Course CourseRecord `json:"course"`
}

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Message string `json:"message"`
}
