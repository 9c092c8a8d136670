// Package backend is the REST client for the course marketplace backend.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/coursemarket/pkg/marketplace"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	// IdempotencyKeyHeader carries the client-chosen key of a mutation.
	IdempotencyKeyHeader = "Idempotency-Key"

	pathCourses         = "/courses"
	pathAllCourses      = "/courses/all"
	pathEnrolledCourses = "/courses/student/enrolled"

	defaultRequestTimeout = 15 * time.Second
	defaultReadRetries    = 3
	defaultRetryBase      = 200 * time.Millisecond
	maxRetryDelay         = 5 * time.Second
	maxErrorBodyBytes     = 4096
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(client *Client) {
		if httpClient != nil {
			client.httpClient = httpClient
		}
	}
}

// WithReadRetries bounds retries of idempotent reads on transient failures.
func WithReadRetries(maxRetries uint64, base time.Duration) Option {
	return func(client *Client) {
		client.readRetries = maxRetries
		if base > 0 {
			client.retryBase = base
		}
	}
}

// WithLogger wires a zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(client *Client) {
		if logger != nil {
			client.logger = logger
		}
	}
}

// Client calls the backend REST boundary. Reads are retried with backoff;
// mutations are sent once.
type Client struct {
	baseURL     *url.URL
	session     Session
	httpClient  *http.Client
	readRetries uint64
	retryBase   time.Duration
	logger      *zap.Logger
}

// NewClient validates baseURL and builds a Client.
func NewClient(baseURL string, session Session, options ...Option) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("%w: backend url %q", marketplace.ErrInvalidConfig, baseURL)
	}
	client := &Client{
		baseURL:     parsed,
		session:     session,
		httpClient:  &http.Client{Timeout: defaultRequestTimeout},
		readRetries: defaultReadRetries,
		retryBase:   defaultRetryBase,
		logger:      zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(client)
		}
	}
	return client, nil
}

// Session returns the session the client authenticates with.
func (client *Client) Session() Session {
	return client.session
}

// ListCourses calls GET /courses.
func (client *Client) ListCourses(ctx context.Context) ([]CourseRecord, error) {
	var envelope coursesEnvelope
	if err := client.read(ctx, pathCourses, &envelope); err != nil {
		return nil, err
	}
	return envelope.Courses, nil
}

// ListAllCourses calls GET /courses/all.
func (client *Client) ListAllCourses(ctx context.Context) ([]CourseRecord, error) {
	var envelope coursesEnvelope
	if err := client.read(ctx, pathAllCourses, &envelope); err != nil {
		return nil, err
	}
	return envelope.Courses, nil
}

// GetCourse calls GET /courses/:id.
func (client *Client) GetCourse(ctx context.Context, courseID marketplace.CourseID) (CourseRecord, error) {
	var envelope courseEnvelope
	if err := client.read(ctx, coursePath(courseID), &envelope); err != nil {
		return CourseRecord{}, err
	}
	return envelope.Course, nil
}

// EnrolledCourses calls GET /courses/student/enrolled.
func (client *Client) EnrolledCourses(ctx context.Context) (EnrolledResponse, error) {
	var response EnrolledResponse
	if err := client.read(ctx, pathEnrolledCourses, &response); err != nil {
		return EnrolledResponse{}, err
	}
	return response, nil
}

// CreateCourse calls POST /courses.
func (client *Client) CreateCourse(ctx context.Context, input CourseInput) (CourseRecord, error) {
	var envelope courseEnvelope
	if err := client.do(ctx, http.MethodPost, pathCourses, "", input, &envelope); err != nil {
		return CourseRecord{}, err
	}
	return envelope.Course, nil
}

// UpdateCourse calls PUT /courses/:id.
func (client *Client) UpdateCourse(ctx context.Context, courseID marketplace.CourseID, input CourseInput) (CourseRecord, error) {
	var envelope courseEnvelope
	if err := client.do(ctx, http.MethodPut, coursePath(courseID), "", input, &envelope); err != nil {
		return CourseRecord{}, err
	}
	return envelope.Course, nil
}

// DeleteCourse calls DELETE /courses/:id.
func (client *Client) DeleteCourse(ctx context.Context, courseID marketplace.CourseID) error {
	return client.do(ctx, http.MethodDelete, coursePath(courseID), "", nil, nil)
}

// Enroll calls POST /courses/:id/enroll with an idempotency key.
func (client *Client) Enroll(ctx context.Context, courseID marketplace.CourseID, request EnrollRequest, idempotencyKey string) (EnrollResponse, error) {
	var response EnrollResponse
	if err := client.do(ctx, http.MethodPost, coursePath(courseID)+enrollPathSuffix, idempotencyKey, request, &response); err != nil {
		return EnrollResponse{}, err
	}
	return response, nil
}

func (client *Client) read(ctx context.Context, path string, out any) error {
	backoff := retry.WithMaxRetries(client.readRetries, retry.WithCappedDuration(maxRetryDelay, retry.WithJitterPercent(10, retry.NewExponential(client.retryBase))))
	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := client.do(ctx, http.MethodGet, path, "", nil, out)
		if err != nil && marketplace.IsTransient(err) {
			client.logger.Debug("backend read failed, retrying", zap.String("path", path), zap.Int("attempt", attempt), zap.Error(err))
			return retry.RetryableError(err)
		}
		return err
	})
}

func (client *Client) do(ctx context.Context, method string, path string, idempotencyKey string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}
	request, err := http.NewRequestWithContext(ctx, method, client.baseURL.String()+path, reader)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token := client.bearerToken(); token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	if idempotencyKey != "" {
		request.Header.Set(IdempotencyKeyHeader, idempotencyKey)
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", marketplace.ErrServerUnreachable, method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		return &APIError{
			Method:     method,
			Path:       path,
			StatusCode: response.StatusCode,
			Message:    errorMessage(raw, response.Status),
		}
	}
	if out == nil || response.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: decode %s %s: %w", marketplace.ErrServerUnreachable, method, path, err)
	}
	return nil
}

func (client *Client) bearerToken() string {
	if client.session == nil {
		return ""
	}
	return client.session.BearerToken()
}

func errorMessage(raw []byte, fallback string) string {
	var body ErrorBody
	if err := json.Unmarshal(raw, &body); err == nil && strings.TrimSpace(body.Message) != "" {
		return strings.TrimSpace(body.Message)
	}
	if trimmed := strings.TrimSpace(string(raw)); trimmed != "" {
		return trimmed
	}
	return fallback
}

func coursePath(courseID marketplace.CourseID) string {
	return pathCourses + "/" + url.PathEscape(courseID.String())
}
