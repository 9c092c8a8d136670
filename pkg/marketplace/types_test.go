package marketplace

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestNewCourseID(test *testing.T) {
	test.Parallel()
	cases := []struct {
		name    string
		input   string
		wantErr error
		wantVal string
	}{
		{name: "valid", input: " course-123 ", wantVal: "course-123"},
		{name: "empty", input: "   ", wantErr: ErrInvalidCourseID},
	}
	for _, tc := range cases {
		tc := tc
		test.Run(tc.name, func(test *testing.T) {
			test.Parallel()
			result, err := NewCourseID(tc.input)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					test.Fatalf("expected error %v, got %v", tc.wantErr, err)
				}
				if !errors.Is(err, ErrValidation) {
					test.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				test.Fatalf("unexpected error: %v", err)
			}
			if result.String() != tc.wantVal {
				test.Fatalf("expected %q, got %q", tc.wantVal, result.String())
			}
		})
	}
}

func TestNewStudentIDAndPaymentReference(test *testing.T) {
	test.Parallel()
	if _, err := NewStudentID(""); !errors.Is(err, ErrInvalidStudentID) {
		test.Fatalf("expected ErrInvalidStudentID, got %v", err)
	}
	if _, err := NewPaymentReference(" "); !errors.Is(err, ErrInvalidPaymentReference) {
		test.Fatalf("expected ErrInvalidPaymentReference, got %v", err)
	}
}

func TestParseAmount(test *testing.T) {
	test.Parallel()
	cases := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{name: "decimal", input: "0.1", want: "0.1"},
		{name: "empty is free", input: "", want: "0"},
		{name: "negative", input: "-1", wantErr: ErrInvalidAmount},
		{name: "garbage", input: "abc", wantErr: ErrInvalidAmount},
	}
	for _, tc := range cases {
		tc := tc
		test.Run(tc.name, func(test *testing.T) {
			test.Parallel()
			amount, err := ParseAmount(tc.input)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					test.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				test.Fatalf("unexpected error: %v", err)
			}
			if amount.String() != tc.want {
				test.Fatalf("expected %s, got %s", tc.want, amount.String())
			}
		})
	}
}

func TestAmountJSONAcceptsNumbersAndStrings(test *testing.T) {
	test.Parallel()
	var payload struct {
		Number Amount `json:"number"`
		Text   Amount `json:"text"`
		Null   Amount `json:"null"`
	}
	if err := json.Unmarshal([]byte(`{"number":0.25,"text":"1.5","null":null}`), &payload); err != nil {
		test.Fatalf("unmarshal: %v", err)
	}
	if payload.Number.String() != "0.25" || payload.Text.String() != "1.5" || !payload.Null.IsZero() {
		test.Fatalf("unexpected amounts: %s %s %s", payload.Number, payload.Text, payload.Null)
	}
	if err := json.Unmarshal([]byte(`{"number":-3}`), &payload); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestAmountArithmetic(test *testing.T) {
	test.Parallel()
	small := MustParseAmount("0.05")
	price := MustParseAmount("0.1")
	if !small.LessThan(price) {
		test.Fatalf("expected 0.05 < 0.1")
	}
	if !price.Sub(small).Equal(small) {
		test.Fatalf("expected 0.1 - 0.05 = 0.05")
	}
	if !small.Sub(price).IsZero() {
		test.Fatalf("expected subtraction to floor at zero")
	}
}

func TestParseCourseStatus(test *testing.T) {
	test.Parallel()
	status, err := ParseCourseStatus(" Active ")
	if err != nil || status != CourseStatusActive {
		test.Fatalf("expected active, got %q (%v)", status, err)
	}
	if _, err := ParseCourseStatus("archived"); !errors.Is(err, ErrInvalidCourseStatus) {
		test.Fatalf("expected ErrInvalidCourseStatus, got %v", err)
	}
}

func TestCourseEnrollable(test *testing.T) {
	test.Parallel()
	for _, status := range []CourseStatus{CourseStatusDraft, CourseStatusPaused} {
		if (Course{Status: status}).Enrollable() {
			test.Fatalf("expected %s course to reject enrollment", status)
		}
	}
	if !(Course{Status: CourseStatusActive}).Enrollable() {
		test.Fatalf("expected active course to be enrollable")
	}
}

func TestDraftCourseValidate(test *testing.T) {
	test.Parallel()
	err := DraftCourse{Title: "Go", Category: " "}.Validate()
	if !errors.Is(err, ErrMissingRequiredField) || !errors.Is(err, ErrValidation) {
		test.Fatalf("expected missing field validation error, got %v", err)
	}
	if err := (DraftCourse{Title: "Go", Category: "dev", Level: "beginner"}).Validate(); err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
}

func TestCoursePatchApplyLeavesOriginalUntouched(test *testing.T) {
	test.Parallel()
	original := Course{ID: mustCourseID(test, "c-1"), Title: "Old", StudentIDs: []string{"s-1"}}
	title := "New"
	updated := CoursePatch{Title: &title}.Apply(original)
	if updated.Title != "New" || original.Title != "Old" {
		test.Fatalf("unexpected titles: updated=%q original=%q", updated.Title, original.Title)
	}
	updated.StudentIDs[0] = "changed"
	if original.StudentIDs[0] != "s-1" {
		test.Fatalf("expected deep copy of student ids")
	}
	if !(CoursePatch{}).IsEmpty() {
		test.Fatalf("expected empty patch")
	}
}

func TestPaymentReferenceJSONNull(test *testing.T) {
	test.Parallel()
	record := EnrollmentRecord{CourseID: mustCourseID(test, "c-1"), StudentID: mustStudentID(test, "s-1")}
	encoded, err := json.Marshal(record)
	if err != nil {
		test.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		test.Fatalf("unmarshal: %v", err)
	}
	if decoded["paymentReference"] != nil {
		test.Fatalf("expected null payment reference, got %v", decoded["paymentReference"])
	}
}

func TestCacheKeys(test *testing.T) {
	test.Parallel()
	studentID := mustStudentID(test, "s-1")
	courseID := mustCourseID(test, "c-1")
	if SnapshotKey(studentID) != "snapshot:s-1" {
		test.Fatalf("unexpected snapshot key %q", SnapshotKey(studentID))
	}
	if PendingPaymentKey(courseID, studentID) != "pending:s-1:c-1" {
		test.Fatalf("unexpected pending key %q", PendingPaymentKey(courseID, studentID))
	}
}

func mustCourseID(test *testing.T, raw string) CourseID {
	test.Helper()
	value, err := NewCourseID(raw)
	if err != nil {
		test.Fatalf("course id: %v", err)
	}
	return value
}

func mustStudentID(test *testing.T, raw string) StudentID {
	test.Helper()
	value, err := NewStudentID(raw)
	if err != nil {
		test.Fatalf("student id: %v", err)
	}
	return value
}
