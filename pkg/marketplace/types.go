package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CourseID identifies a course. Assigned by the backend and stable.
type CourseID struct {
	value string
}

// StudentID identifies the enrolled user.
type StudentID struct {
	value string
}

// PaymentReference is the transaction identifier returned by the wallet provider.
type PaymentReference struct {
	value string
}

// NewCourseID validates and normalizes a course id.
func NewCourseID(raw string) (CourseID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return CourseID{}, fmt.Errorf("%w: empty value", ErrInvalidCourseID)
	}
	return CourseID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id CourseID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id CourseID) IsZero() bool {
	return id.value == ""
}

// MarshalJSON encodes the id as a JSON string.
func (id CourseID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.value)
}

// UnmarshalJSON decodes and validates a JSON string id.
func (id *CourseID) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCourseID, err)
	}
	parsed, err := NewCourseID(raw)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// NewStudentID validates and normalizes a student id.
func NewStudentID(raw string) (StudentID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return StudentID{}, fmt.Errorf("%w: empty value", ErrInvalidStudentID)
	}
	return StudentID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id StudentID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id StudentID) IsZero() bool {
	return id.value == ""
}

// MarshalJSON encodes the id as a JSON string.
func (id StudentID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.value)
}

// UnmarshalJSON decodes and validates a JSON string id.
func (id *StudentID) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidStudentID, err)
	}
	parsed, err := NewStudentID(raw)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// NewPaymentReference validates and normalizes a transaction reference.
func NewPaymentReference(raw string) (PaymentReference, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return PaymentReference{}, fmt.Errorf("%w: empty value", ErrInvalidPaymentReference)
	}
	return PaymentReference{value: trimmed}, nil
}

// String returns the normalized reference.
func (reference PaymentReference) String() string {
	return reference.value
}

// IsZero reports whether the reference is absent.
func (reference PaymentReference) IsZero() bool {
	return reference.value == ""
}

// MarshalJSON encodes an absent reference as null.
func (reference PaymentReference) MarshalJSON() ([]byte, error) {
	if reference.value == "" {
		return []byte("null"), nil
	}
	return json.Marshal(reference.value)
}

// UnmarshalJSON accepts null or a non-empty string.
func (reference *PaymentReference) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*reference = PaymentReference{}
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPaymentReference, err)
	}
	if strings.TrimSpace(raw) == "" {
		*reference = PaymentReference{}
		return nil
	}
	parsed, err := NewPaymentReference(raw)
	if err != nil {
		return err
	}
	*reference = parsed
	return nil
}

// Amount is a non-negative decimal in the base currency.
type Amount struct {
	value decimal.Decimal
}

// ZeroAmount is the free price.
var ZeroAmount = Amount{value: decimal.Zero}

// NewAmount validates a decimal amount.
func NewAmount(value decimal.Decimal) (Amount, error) {
	if value.IsNegative() {
		return Amount{}, fmt.Errorf("%w: must not be negative", ErrInvalidAmount)
	}
	return Amount{value: value}, nil
}

// ParseAmount parses a decimal string such as "0.1".
func ParseAmount(raw string) (Amount, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ZeroAmount, nil
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return NewAmount(value)
}

// MustParseAmount parses raw and panics on failure. Intended for constants and tests.
func MustParseAmount(raw string) Amount {
	amount, err := ParseAmount(raw)
	if err != nil {
		panic(err)
	}
	return amount
}

// Decimal exposes the underlying decimal value.
func (amount Amount) Decimal() decimal.Decimal {
	return amount.value
}

// IsZero reports whether the amount is zero.
func (amount Amount) IsZero() bool {
	return amount.value.IsZero()
}

// LessThan reports whether amount < other.
func (amount Amount) LessThan(other Amount) bool {
	return amount.value.LessThan(other.value)
}

// Equal compares two amounts by value.
func (amount Amount) Equal(other Amount) bool {
	return amount.value.Equal(other.value)
}

// Add returns amount + other.
func (amount Amount) Add(other Amount) Amount {
	return Amount{value: amount.value.Add(other.value)}
}

// Sub returns amount - other, floored at zero.
func (amount Amount) Sub(other Amount) Amount {
	result := amount.value.Sub(other.value)
	if result.IsNegative() {
		return ZeroAmount
	}
	return Amount{value: result}
}

// String returns the canonical decimal string.
func (amount Amount) String() string {
	return amount.value.String()
}

// MarshalJSON encodes the amount as a decimal string.
func (amount Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(amount.value.String())
}

// UnmarshalJSON accepts a JSON number or a decimal string.
func (amount *Amount) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*amount = ZeroAmount
		return nil
	}
	raw := string(trimmed)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidAmount, err)
		}
	}
	parsed, err := ParseAmount(raw)
	if err != nil {
		return err
	}
	*amount = parsed
	return nil
}

// CourseStatus defines the course lifecycle.
type CourseStatus string

const (
	CourseStatusDraft  CourseStatus = "draft"
	CourseStatusActive CourseStatus = "active"
	CourseStatusPaused CourseStatus = "paused"
)

// ParseCourseStatus validates a raw status value.
func ParseCourseStatus(raw string) (CourseStatus, error) {
	switch CourseStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case CourseStatusDraft:
		return CourseStatusDraft, nil
	case CourseStatusActive:
		return CourseStatusActive, nil
	case CourseStatusPaused:
		return CourseStatusPaused, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCourseStatus, raw)
	}
}

// String returns the raw status value.
func (status CourseStatus) String() string {
	return string(status)
}

// LessonType enumerates lesson payload kinds.
type LessonType string

const (
	LessonVideo    LessonType = "video"
	LessonDocument LessonType = "document"
	LessonText     LessonType = "text"
)

// ParseLessonType validates a raw lesson type. Empty input means text.
func ParseLessonType(raw string) (LessonType, error) {
	switch LessonType(strings.ToLower(strings.TrimSpace(raw))) {
	case LessonVideo:
		return LessonVideo, nil
	case LessonDocument:
		return LessonDocument, nil
	case LessonText, "":
		return LessonText, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidLessonType, raw)
	}
}

// Lesson is a normalized lesson: exactly one payload field is populated, chosen by Type.
type Lesson struct {
	Title       string     `json:"title"`
	Type        LessonType `json:"type"`
	VideoURL    string     `json:"videoUrl,omitempty"`
	DocumentURL string     `json:"documentUrl,omitempty"`
	Body        string     `json:"body,omitempty"`
	DurationMin int        `json:"durationMinutes,omitempty"`
}

// DirtyKind records which optimistic mutation is awaiting reconciliation.
type DirtyKind string

const (
	DirtyNone   DirtyKind = ""
	DirtyUpdate DirtyKind = "update"
	DirtyDelete DirtyKind = "delete"
)

// Course is the normalized course view.
type Course struct {
	ID            CourseID     `json:"id"`
	Title         string       `json:"title"`
	Description   string       `json:"description,omitempty"`
	Category      string       `json:"category"`
	Level         string       `json:"level"`
	Instructor    string       `json:"instructor,omitempty"`
	Price         Amount       `json:"price"`
	Status        CourseStatus `json:"status"`
	EnrolledCount int          `json:"enrolledCount"`
	StudentIDs    []string     `json:"studentIds,omitempty"`
	RewardAmount  Amount       `json:"rewardAmount"`
	Lessons       []Lesson     `json:"lessons,omitempty"`
	UpdatedAt     time.Time    `json:"updatedAt"`
	Dirty         DirtyKind    `json:"dirty,omitempty"`
}

// Enrollable reports whether the course accepts enrollments.
func (course Course) Enrollable() bool {
	return course.Status == CourseStatusActive
}

// Free reports whether enrollment needs no payment.
func (course Course) Free() bool {
	return course.Price.IsZero()
}

// IsDirty reports whether an optimistic change awaits reconciliation.
func (course Course) IsDirty() bool {
	return course.Dirty != DirtyNone
}

// Clone returns a deep copy safe to hand to callers.
func (course Course) Clone() Course {
	cloned := course
	if course.StudentIDs != nil {
		cloned.StudentIDs = append([]string(nil), course.StudentIDs...)
	}
	if course.Lessons != nil {
		cloned.Lessons = append([]Lesson(nil), course.Lessons...)
	}
	return cloned
}

// DraftCourse is the input for course creation.
type DraftCourse struct {
	Title        string
	Description  string
	Category     string
	Level        string
	Price        Amount
	RewardAmount Amount
	Status       CourseStatus
	Lessons      []Lesson
}

// Validate checks the fields the backend requires.
func (draft DraftCourse) Validate() error {
	missing := make([]string, 0, 3)
	if strings.TrimSpace(draft.Title) == "" {
		missing = append(missing, "title")
	}
	if strings.TrimSpace(draft.Category) == "" {
		missing = append(missing, "category")
	}
	if strings.TrimSpace(draft.Level) == "" {
		missing = append(missing, "level")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingRequiredField, strings.Join(missing, ", "))
	}
	if draft.Status != "" {
		if _, err := ParseCourseStatus(draft.Status.String()); err != nil {
			return err
		}
	}
	return nil
}

// CoursePatch is a partial update; nil fields are left unchanged.
type CoursePatch struct {
	Title        *string
	Description  *string
	Category     *string
	Level        *string
	Price        *Amount
	RewardAmount *Amount
	Status       *CourseStatus
}

// IsEmpty reports whether the patch changes nothing.
func (patch CoursePatch) IsEmpty() bool {
	return patch.Title == nil && patch.Description == nil && patch.Category == nil &&
		patch.Level == nil && patch.Price == nil && patch.RewardAmount == nil && patch.Status == nil
}

// Apply returns course with the patch applied.
func (patch CoursePatch) Apply(course Course) Course {
	updated := course.Clone()
	if patch.Title != nil {
		updated.Title = *patch.Title
	}
	if patch.Description != nil {
		updated.Description = *patch.Description
	}
	if patch.Category != nil {
		updated.Category = *patch.Category
	}
	if patch.Level != nil {
		updated.Level = *patch.Level
	}
	if patch.Price != nil {
		updated.Price = *patch.Price
	}
	if patch.RewardAmount != nil {
		updated.RewardAmount = *patch.RewardAmount
	}
	if patch.Status != nil {
		updated.Status = *patch.Status
	}
	return updated
}

// EnrollmentRecord is the backend's record of a student's enrollment.
type EnrollmentRecord struct {
	CourseID         CourseID         `json:"courseId"`
	StudentID        StudentID        `json:"studentId"`
	PaymentReference PaymentReference `json:"paymentReference"`
	CreatedAt        time.Time        `json:"createdAt"`
}

// Snapshot is the persisted last known-good state. Always written whole.
type Snapshot struct {
	StudentID       StudentID          `json:"studentId"`
	Courses         []Course           `json:"courses"`
	EnrolledCourses []Course           `json:"enrolledCourses"`
	Enrollments     []EnrollmentRecord `json:"enrollments"`
	SavedAt         time.Time          `json:"savedAt"`
}

// PendingPaymentState tracks a confirmed payment that is not yet matched by an enrollment.
type PendingPaymentState string

const (
	PendingAwaitingEnrollment        PendingPaymentState = "awaiting_enrollment"
	PendingNeedsManualReconciliation PendingPaymentState = "needs_manual_reconciliation"
)

// PendingPayment survives restarts so a confirmed payment is never forgotten.
type PendingPayment struct {
	CourseID             CourseID            `json:"courseId"`
	StudentID            StudentID           `json:"studentId"`
	TransactionReference PaymentReference    `json:"transactionReference"`
	Amount               Amount              `json:"amount"`
	Recipient            string              `json:"recipient"`
	Attempts             int                 `json:"attempts"`
	State                PendingPaymentState `json:"state"`
	ConfirmedAt          time.Time           `json:"confirmedAt"`
	UpdatedAt            time.Time           `json:"updatedAt"`
	LastError            string              `json:"lastError,omitempty"`
}

// CacheStore is the persisted key-value boundary used for snapshots and pending payments.
// (gormstore, pgstore and memstore implement it.)
type CacheStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) (map[string][]byte, error)
}

// SnapshotKey scopes the snapshot to one student.
func SnapshotKey(studentID StudentID) string {
	return snapshotKeyPrefix + cacheKeyDelimiter + studentID.String()
}

// PendingPaymentKey identifies the pending payment of one (course, student) pair.
func PendingPaymentKey(courseID CourseID, studentID StudentID) string {
	return PendingPaymentPrefix(studentID) + courseID.String()
}

// PendingPaymentPrefix lists every pending payment of a student.
func PendingPaymentPrefix(studentID StudentID) string {
	return pendingPaymentKeyPrefix + cacheKeyDelimiter + studentID.String() + cacheKeyDelimiter
}
