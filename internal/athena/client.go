// Package athena is the client for the athenahealth-style scheduling API.
// Everything is form-encoded on the way in and JSON on the way out.
package athena

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/carebridge-health/intake-engine/internal/credential"
	"github.com/carebridge-health/intake-engine/internal/workflow"
	"github.com/carebridge-health/intake-engine/pkg/logging"
)

const (
	defaultTimeout = 30 * time.Second

	// The API rejects open-appointment searches wider than a week.
	maxSearchWindow = 7 * 24 * time.Hour
)

// Client calls the scheduling API on behalf of one practice.
type Client struct {
	baseURL    string
	practiceID string
	tokens     credential.Source
	httpClient *http.Client
	logger     *logging.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout sets the request timeout on the default HTTP client.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// NewClient creates a scheduling API client.
func NewClient(baseURL, practiceID string, tokens credential.Source, logger *logging.Logger, opts ...Option) *Client {
	if baseURL == "" {
		panic("athena: base URL cannot be empty")
	}
	if practiceID == "" {
		panic("athena: practice ID cannot be empty")
	}
	if tokens == nil {
		panic("athena: credential source cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		practiceID: practiceID,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreatePatient registers a new patient and returns the remote patient id.
func (c *Client) CreatePatient(ctx context.Context, demo PatientDemographics) (string, error) {
	form := url.Values{}
	setIfPresent(form, "firstname", demo.FirstName)
	setIfPresent(form, "lastname", demo.LastName)
	setIfPresent(form, "dob", demo.DOB)
	setIfPresent(form, "mobilephone", demo.MobilePhone)
	setIfPresent(form, "email", demo.Email)
	setIfPresent(form, "sex", demo.Sex)
	setIfPresent(form, "address1", demo.Address1)
	setIfPresent(form, "city", demo.City)
	setIfPresent(form, "state", demo.State)
	setIfPresent(form, "zip", demo.Zip)
	setIfPresent(form, "departmentid", demo.DepartmentID)

	body, err := c.doForm(ctx, http.MethodPost, "/patients", form, "create patient")
	if err != nil {
		return "", err
	}

	// The API answers with a one-element array.
	var results []struct {
		PatientID string `json:"patientid"`
	}
	if err := json.Unmarshal(body, &results); err != nil {
		return "", fmt.Errorf("athena: failed to parse create patient response: %w", err)
	}
	if len(results) == 0 || results[0].PatientID == "" {
		return "", &workflow.RemoteError{
			Kind:      workflow.RemoteTransient,
			Operation: "create patient",
			Detail:    "response missing patientid",
		}
	}

	c.logger.Info("created remote patient", "patient_id", results[0].PatientID)
	return results[0].PatientID, nil
}

// BookAppointment fills an open slot for an existing patient and returns the
// booking reference.
func (c *Client) BookAppointment(ctx context.Context, appointmentID string, req BookingRequest) (string, error) {
	if appointmentID == "" {
		return "", &workflow.RemoteError{
			Kind:      workflow.RemoteNotFound,
			Operation: "book appointment",
			Detail:    "empty appointment id",
		}
	}

	form := url.Values{}
	form.Set("patientid", req.PatientID)
	setIfPresent(form, "appointmenttypeid", req.AppointmentTypeID)

	path := "/appointments/" + url.PathEscape(appointmentID)
	body, err := c.doForm(ctx, http.MethodPut, path, form, "book appointment")
	if err != nil {
		return "", err
	}

	var results []struct {
		AppointmentID string `json:"appointmentid"`
	}
	if err := json.Unmarshal(body, &results); err != nil {
		return "", fmt.Errorf("athena: failed to parse booking response: %w", err)
	}
	reference := appointmentID
	if len(results) > 0 && results[0].AppointmentID != "" {
		reference = results[0].AppointmentID
	}

	c.logger.Info("booked appointment", "appointment_id", reference, "patient_id", req.PatientID)
	return reference, nil
}

// OpenAppointments searches bookable slots. The window is clamped to seven
// days from the start date.
func (c *Client) OpenAppointments(ctx context.Context, q SlotQuery) ([]OpenAppointment, error) {
	start := q.StartDate
	if start.IsZero() {
		start = time.Now()
	}
	end := q.EndDate
	if end.IsZero() || end.Sub(start) > maxSearchWindow {
		end = start.Add(maxSearchWindow)
	}

	params := url.Values{}
	setIfPresent(params, "departmentid", q.DepartmentID)
	setIfPresent(params, "appointmenttypeid", q.AppointmentTypeID)
	setIfPresent(params, "providerid", q.ProviderID)
	params.Set("startdate", start.Format("01/02/2006"))
	params.Set("enddate", end.Format("01/02/2006"))

	endpoint := c.endpoint("/appointments/open") + "?" + params.Encode()
	body, err := c.request(ctx, http.MethodGet, endpoint, nil, "", "search open appointments")
	if err != nil {
		return nil, err
	}

	var result struct {
		Appointments []OpenAppointment `json:"appointments"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("athena: failed to parse open appointments response: %w", err)
	}
	return result.Appointments, nil
}

func (c *Client) endpoint(path string) string {
	return fmt.Sprintf("%s/v1/%s%s", c.baseURL, c.practiceID, path)
}

func (c *Client) doForm(ctx context.Context, method, path string, form url.Values, operation string) ([]byte, error) {
	return c.request(ctx, method, c.endpoint(path), strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", operation)
}

func (c *Client) request(ctx context.Context, method, endpoint string, body io.Reader, contentType, operation string) ([]byte, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("athena: %s: %w", operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("athena: failed to create %s request: %w", operation, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &workflow.RemoteError{
			Kind:      workflow.RemoteTransient,
			Operation: operation,
			Detail:    err.Error(),
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &workflow.RemoteError{
			Kind:      workflow.RemoteTransient,
			Operation: operation,
			Detail:    fmt.Sprintf("read response: %v", err),
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		remoteErr := classify(operation, resp.StatusCode, respBody)
		c.logger.Error("scheduling API call failed",
			"operation", operation,
			"status", resp.StatusCode,
			"kind", remoteErr.Kind,
		)
		return nil, remoteErr
	}
	return respBody, nil
}

// classify maps an HTTP failure to the workflow error taxonomy. Auth failures
// retry after the next token refresh; only 404 (the identifier no longer
// exists upstream) can never succeed on retry, everything else gets the
// attempt budget.
func classify(operation string, status int, body []byte) *workflow.RemoteError {
	detail := strings.TrimSpace(string(body))
	if len(detail) > 512 {
		detail = detail[:512]
	}

	kind := workflow.RemoteTransient
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = workflow.RemoteAuth
	case http.StatusNotFound:
		kind = workflow.RemoteNotFound
	}

	return &workflow.RemoteError{
		Kind:       kind,
		Operation:  operation,
		StatusCode: status,
		Detail:     detail,
	}
}

func setIfPresent(form url.Values, key, value string) {
	if value != "" {
		form.Set(key, value)
	}
}
