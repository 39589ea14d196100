// Package reservation talks to the optional booking backend that
// authorizes conference creation. When no base URL is configured every
// conference is allowed and nothing here runs.
package reservation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/colloq/focus/internal/v1/logging"
	"github.com/colloq/focus/internal/v1/metrics"
	"github.com/colloq/focus/internal/v1/types"
)

// DefaultTimeout bounds one backend round trip.
const DefaultTimeout = 10 * time.Second

// timeLayout is ISO-8601 with millisecond precision and timezone.
const timeLayout = "2006-01-02T15:04:05.000-07:00"

// Booking is the backend's record for one conference.
type Booking struct {
	ID       string
	Duration time.Duration
}

// Client is the reservation backend client. All calls go through a
// circuit breaker so a dead backend degrades to fast failures instead
// of piling up blocked workers.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	clock   clock.PassiveClock
}

// Option tunes a Client.
type Option func(*Client)

// WithHTTPClient substitutes the transport, for tests.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithClock substitutes the time source.
func WithClock(cl clock.PassiveClock) Option { return func(c *Client) { c.clock = cl } }

// NewClient builds a client for the backend at baseURL. An empty
// baseURL yields a disabled client whose calls all succeed.
func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		clock:   clock.RealClock{},
	}
	st := gobreaker.Settings{
		Name:        "reservation",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateVal)
		},
	}
	c.breaker = gobreaker.NewCircuitBreaker(st)
	for _, o := range opts {
		o(c)
	}
	return c
}

// Enabled reports whether a backend is configured.
func (c *Client) Enabled() bool { return c != nil && c.baseURL != "" }

type createRequest struct {
	Name      string `json:"name"`
	StartTime string `json:"start_time"`
	MailOwner string `json:"mail_owner,omitempty"`
}

type bookingResponse struct {
	ID       json.Number `json:"id"`
	Duration int64       `json:"duration"`
}

type conflictResponse struct {
	ConflictID json.Number `json:"conflict_id"`
}

type rejectionResponse struct {
	Message string `json:"message"`
}

// TryCreate asks the backend whether the conference may be created.
// A 409 conflict is resolved by fetching the conflicting record once
// and adopting it; any other 4xx rejects creation with the backend's
// message surfaced to the client.
func (c *Client) TryCreate(ctx context.Context, room types.RoomName, mailOwner string) (*Booking, error) {
	if !c.Enabled() {
		return nil, nil
	}
	body := createRequest{
		Name:      room.Local,
		StartTime: c.clock.Now().Format(timeLayout),
		MailOwner: mailOwner,
	}
	status, data, err := c.do(ctx, http.MethodPost, c.baseURL+"/conference", body)
	if err != nil {
		metrics.ReservationRequests.WithLabelValues("create", "error").Inc()
		return nil, backendDown(err)
	}

	switch {
	case status == http.StatusOK || status == http.StatusCreated:
		metrics.ReservationRequests.WithLabelValues("create", "ok").Inc()
		return parseBooking(data)
	case status == http.StatusConflict:
		metrics.ReservationRequests.WithLabelValues("create", "conflict").Inc()
		return c.resolveConflict(ctx, data)
	case status >= 400 && status < 500:
		metrics.ReservationRequests.WithLabelValues("create", "rejected").Inc()
		return nil, rejection(status, data)
	default:
		metrics.ReservationRequests.WithLabelValues("create", "error").Inc()
		return nil, types.NewStanzaError(types.KindServiceUnavailable,
			"reservation backend returned %d", status)
	}
}

// resolveConflict fetches the authoritative record for a 409 answer.
// Single retry, never looped.
func (c *Client) resolveConflict(ctx context.Context, data []byte) (*Booking, error) {
	var conflict conflictResponse
	if err := json.Unmarshal(data, &conflict); err != nil || conflict.ConflictID.String() == "" {
		return nil, types.NewStanzaError(types.KindServiceUnavailable, "malformed conflict answer")
	}
	status, body, err := c.do(ctx, http.MethodGet,
		c.baseURL+"/conference/"+conflict.ConflictID.String(), nil)
	if err != nil {
		return nil, backendDown(err)
	}
	if status != http.StatusOK {
		return nil, types.NewStanzaError(types.KindServiceUnavailable,
			"conflict lookup returned %d", status)
	}
	return parseBooking(body)
}

// Delete releases the booking. Called on conference destruction and on
// duration expiry; failures are logged, not propagated, since the
// conference is going away either way.
func (c *Client) Delete(ctx context.Context, bookingID string) {
	if !c.Enabled() || bookingID == "" {
		return
	}
	status, _, err := c.do(ctx, http.MethodDelete, c.baseURL+"/conference/"+bookingID, nil)
	if err != nil {
		metrics.ReservationRequests.WithLabelValues("delete", "error").Inc()
		logging.Warn(ctx, "Reservation delete failed", zap.String("booking", bookingID), zap.Error(err))
		return
	}
	metrics.ReservationRequests.WithLabelValues("delete", "ok").Inc()
	if status >= 300 {
		logging.Warn(ctx, "Reservation delete refused",
			zap.String("booking", bookingID), zap.Int("status", status))
	}
}

func (c *Client) do(ctx context.Context, method, url string, payload any) (int, []byte, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		var reqBody io.Reader
		if payload != nil {
			raw, err := json.Marshal(payload)
			if err != nil {
				return nil, err
			}
			reqBody = bytes.NewReader(raw)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		return &httpResult{status: resp.StatusCode, body: data}, nil
	})
	if err != nil {
		return 0, nil, err
	}
	r := res.(*httpResult)
	return r.status, r.body, nil
}

type httpResult struct {
	status int
	body   []byte
}

func parseBooking(data []byte) (*Booking, error) {
	var resp bookingResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, types.NewStanzaError(types.KindServiceUnavailable, "malformed reservation answer")
	}
	return &Booking{
		ID:       resp.ID.String(),
		Duration: time.Duration(resp.Duration) * time.Second,
	}, nil
}

func rejection(status int, data []byte) *types.StanzaError {
	var rej rejectionResponse
	_ = json.Unmarshal(data, &rej)
	if rej.Message == "" {
		rej.Message = fmt.Sprintf("reservation rejected with status %d", status)
	}
	return &types.StanzaError{
		Kind:      types.KindForbidden,
		Text:      rej.Message,
		Extension: "reservation-error",
		Code:      status,
	}
}

func backendDown(err error) *types.StanzaError {
	return types.NewStanzaError(types.KindServiceUnavailable, "reservation backend unavailable: %v", err)
}
