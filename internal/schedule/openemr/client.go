// Package openemr implements the schedule.Client contract against an
// OpenEMR-style calendar records system: FHIR R4 Slot reads and the
// legacy pc_* appointment write endpoint.
package openemr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/veridianhealth/scheduling-engine/internal/schedule"
)

const (
	tokenPath       = "/oauth2/default/token"
	slotPath        = "/apis/default/fhir/Slot"
	appointmentPath = "/apis/default/api/appointment"
)

// Config holds configuration for the OpenEMR client.
type Config struct {
	BaseURL      string // e.g. "https://emr.example.com"
	ClientID     string // OAuth 2.0 client ID
	ClientSecret string // OAuth 2.0 client secret
	Timeout      time.Duration
}

// Client talks to one OpenEMR instance. Safe for concurrent use; token
// refresh is serialized behind a mutex.
type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	httpClient   *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// New creates a new OpenEMR calendar client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("openemr: BaseURL is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("openemr: ClientID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("openemr: ClientSecret is required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// FetchDaySchedule retrieves the busy/free partition of one provider's day.
// OpenEMR FHIR: GET /Slot?schedule={providerID}&start={day}&end={day+1}
func (c *Client) FetchDaySchedule(ctx context.Context, providerID string, date time.Time) (*schedule.DaySchedule, error) {
	if err := c.ensureAuthenticated(ctx); err != nil {
		return nil, err
	}

	day := schedule.DateOf(date)
	params := url.Values{}
	params.Set("schedule", providerID)
	params.Set("start", day.Format(time.RFC3339))
	params.Set("end", day.AddDate(0, 0, 1).Format(time.RFC3339))

	endpoint := fmt.Sprintf("%s%s?%s", c.baseURL, slotPath, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("openemr: create slot request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token())
	req.Header.Set("Accept", "application/fhir+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &schedule.RemoteError{Category: schedule.CategoryUnavailable, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, remoteError(resp)
	}

	var bundle fhirBundle
	if err := json.NewDecoder(resp.Body).Decode(&bundle); err != nil {
		return nil, fmt.Errorf("openemr: decode slot bundle: %w", err)
	}

	return buildDaySchedule(providerID, day, bundle)
}

// CreateBooking writes one appointment through the legacy REST endpoint.
// OpenEMR: POST /api/appointment with the pc_* field set.
func (c *Client) CreateBooking(ctx context.Context, req schedule.CreateBookingRequest) (*schedule.BookingRecord, error) {
	if err := c.ensureAuthenticated(ctx); err != nil {
		return nil, err
	}

	payload := mapToEMRFormat(req)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("openemr: marshal appointment: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+appointmentPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openemr: create appointment request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.token())
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &schedule.RemoteError{Category: schedule.CategoryUnavailable, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, remoteError(resp)
	}

	var created struct {
		ID           string `json:"id"`
		Confirmation string `json:"confirmation"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, fmt.Errorf("openemr: decode appointment response: %w", err)
	}
	if created.ID == "" {
		return nil, &schedule.RemoteError{
			Category: schedule.CategoryUnavailable,
			Status:   resp.StatusCode,
			Message:  "create returned empty appointment id",
		}
	}

	return &schedule.BookingRecord{
		RecordID:     created.ID,
		Confirmation: created.Confirmation,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

func (c *Client) token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken
}

// ensureAuthenticated refreshes the access token when it is missing or
// within five minutes of expiry.
func (c *Client) ensureAuthenticated(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Add(5*time.Minute).Before(c.tokenExpiry) {
		return nil
	}
	return c.authenticateLocked(ctx)
}

func (c *Client) authenticateLocked(ctx context.Context) error {
	data := url.Values{}
	data.Set("grant_type", "client_credentials")
	data.Set("client_id", c.clientID)
	data.Set("client_secret", c.clientSecret)
	data.Set("scope", "fhirUser api:fhir api:oemr")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+tokenPath, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("openemr: create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &schedule.RemoteError{Category: schedule.CategoryUnavailable, Message: "auth: " + err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return remoteError(resp)
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return fmt.Errorf("openemr: decode auth response: %w", err)
	}

	c.accessToken = tokenResp.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	return nil
}

// remoteError maps an HTTP response to a categorized error. 401/403 are
// auth failures, 4xx are permanent rejections, everything else is
// treated as transient.
func remoteError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(body))

	var category schedule.ErrorCategory
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		category = schedule.CategoryUnauthorized
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		category = schedule.CategoryBadRequest
	default:
		category = schedule.CategoryUnavailable
	}

	return &schedule.RemoteError{Category: category, Status: resp.StatusCode, Message: msg}
}

func buildDaySchedule(providerID string, day time.Time, bundle fhirBundle) (*schedule.DaySchedule, error) {
	slots := make([]schedule.ScheduleSlot, 0, len(bundle.Entry))
	for _, entry := range bundle.Entry {
		res := entry.Resource
		if res.ResourceType != "Slot" {
			continue
		}
		start, err := time.Parse(time.RFC3339, res.Start)
		if err != nil {
			continue
		}
		end, err := time.Parse(time.RFC3339, res.End)
		if err != nil {
			continue
		}
		iv, ok := schedule.NewInterval(start, end)
		if !ok {
			continue
		}

		status := schedule.SlotBusy
		if res.Status == "free" {
			status = schedule.SlotFree
		}

		slots = append(slots, schedule.ScheduleSlot{
			Interval:  iv,
			Status:    status,
			BookingID: res.AppointmentID,
		})
	}

	sort.Slice(slots, func(i, j int) bool {
		return slots[i].Interval.Start.Before(slots[j].Interval.Start)
	})

	return &schedule.DaySchedule{
		ProviderID: providerID,
		Date:       day,
		Slots:      slots,
	}, nil
}
