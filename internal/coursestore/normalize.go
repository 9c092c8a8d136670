package coursestore

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/coursemarket/internal/backend"
	"github.com/MarkoPoloResearchLab/coursemarket/pkg/marketplace"
)

// normalizeCourse turns a raw backend record into the normalized view every
// caller relies on: parsed amounts, a derived enrollment count and typed
// lesson payloads.
func normalizeCourse(record backend.CourseRecord) (marketplace.Course, error) {
	courseID, err := marketplace.NewCourseID(record.ID)
	if err != nil {
		return marketplace.Course{}, err
	}
	price, err := parseRawAmount(record.Price)
	if err != nil {
		return marketplace.Course{}, fmt.Errorf("course %s price: %w", record.ID, err)
	}
	reward, err := parseRawAmount(record.RewardAmount)
	if err != nil {
		return marketplace.Course{}, fmt.Errorf("course %s reward: %w", record.ID, err)
	}
	status, err := marketplace.ParseCourseStatus(record.Status)
	if err != nil {
		return marketplace.Course{}, fmt.Errorf("course %s: %w", record.ID, err)
	}
	students := uniqueStudents(record.Students)
	lessons := make([]marketplace.Lesson, 0, len(record.Lessons))
	for index, lessonRecord := range record.Lessons {
		lesson, err := normalizeLesson(lessonRecord)
		if err != nil {
			return marketplace.Course{}, fmt.Errorf("course %s lesson %d: %w", record.ID, index, err)
		}
		lessons = append(lessons, lesson)
	}
	return marketplace.Course{
		ID:            courseID,
		Title:         strings.TrimSpace(record.Title),
		Description:   strings.TrimSpace(record.Description),
		Category:      strings.TrimSpace(record.Category),
		Level:         strings.TrimSpace(record.Level),
		Instructor:    strings.TrimSpace(record.Instructor),
		Price:         price,
		Status:        status,
		EnrolledCount: len(students),
		StudentIDs:    students,
		RewardAmount:  reward,
		Lessons:       lessons,
		UpdatedAt:     record.UpdatedAt.UTC(),
	}, nil
}

func normalizeLesson(record backend.LessonRecord) (marketplace.Lesson, error) {
	lessonType, err := marketplace.ParseLessonType(record.Type)
	if err != nil {
		return marketplace.Lesson{}, err
	}
	lesson := marketplace.Lesson{
		Title:       strings.TrimSpace(record.Title),
		Type:        lessonType,
		DurationMin: record.Duration,
	}
	content := strings.TrimSpace(record.Content)
	switch lessonType {
	case marketplace.LessonVideo:
		lesson.VideoURL = content
	case marketplace.LessonDocument:
		lesson.DocumentURL = content
	default:
		lesson.Body = content
	}
	return lesson, nil
}

func normalizeEnrollment(payload backend.EnrollmentPayload) (marketplace.EnrollmentRecord, error) {
	courseID, err := marketplace.NewCourseID(payload.CourseID)
	if err != nil {
		return marketplace.EnrollmentRecord{}, err
	}
	studentID, err := marketplace.NewStudentID(payload.StudentID)
	if err != nil {
		return marketplace.EnrollmentRecord{}, err
	}
	var reference marketplace.PaymentReference
	if strings.TrimSpace(payload.PaymentReference) != "" {
		reference, err = marketplace.NewPaymentReference(payload.PaymentReference)
		if err != nil {
			return marketplace.EnrollmentRecord{}, err
		}
	}
	return marketplace.EnrollmentRecord{
		CourseID:         courseID,
		StudentID:        studentID,
		PaymentReference: reference,
		CreatedAt:        payload.CreatedAt.UTC(),
	}, nil
}

// courseInput is the inverse mapping used for create and update calls.
func courseInput(course marketplace.Course) backend.CourseInput {
	return backend.CourseInput{
		Title:        course.Title,
		Description:  course.Description,
		Category:     course.Category,
		Level:        course.Level,
		Price:        course.Price.String(),
		RewardAmount: course.RewardAmount.String(),
		Status:       course.Status.String(),
		Lessons:      lessonRecords(course.Lessons),
	}
}

func draftInput(draft marketplace.DraftCourse) backend.CourseInput {
	return backend.CourseInput{
		Title:        strings.TrimSpace(draft.Title),
		Description:  strings.TrimSpace(draft.Description),
		Category:     strings.TrimSpace(draft.Category),
		Level:        strings.TrimSpace(draft.Level),
		Price:        draft.Price.String(),
		RewardAmount: draft.RewardAmount.String(),
		Status:       draft.Status.String(),
		Lessons:      lessonRecords(draft.Lessons),
	}
}

func lessonRecords(lessons []marketplace.Lesson) []backend.LessonRecord {
	if len(lessons) == 0 {
		return nil
	}
	records := make([]backend.LessonRecord, 0, len(lessons))
	for _, lesson := range lessons {
		content := lesson.Body
		switch lesson.Type {
		case marketplace.LessonVideo:
			content = lesson.VideoURL
		case marketplace.LessonDocument:
			content = lesson.DocumentURL
		}
		records = append(records, backend.LessonRecord{
			Title:    lesson.Title,
			Type:     string(lesson.Type),
			Content:  content,
			Duration: lesson.DurationMin,
		})
	}
	return records
}

func parseRawAmount(raw json.RawMessage) (marketplace.Amount, error) {
	if len(raw) == 0 {
		return marketplace.ZeroAmount, nil
	}
	var amount marketplace.Amount
	if err := json.Unmarshal(raw, &amount); err != nil {
		return marketplace.Amount{}, err
	}
	return amount, nil
}

func uniqueStudents(raw []string) []string {
	if len(raw) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(raw))
	students := make([]string, 0, len(raw))
	for _, studentID := range raw {
		trimmed := strings.TrimSpace(studentID)
		if trimmed == "" {
			continue
		}
		if _, duplicate := seen[trimmed]; duplicate {
			continue
		}
		seen[trimmed] = struct{}{}
		students = append(students, trimmed)
	}
	return students
}

// sameContent compares the user-editable fields of two course versions.
func sameContent(left marketplace.Course, right marketplace.Course) bool {
	return left.Title == right.Title &&
		left.Description == right.Description &&
		left.Category == right.Category &&
		left.Level == right.Level &&
		left.Price.Equal(right.Price) &&
		left.RewardAmount.Equal(right.RewardAmount) &&
		left.Status == right.Status
}
