package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	ActionMakeReservation     = "make_reservation"
	ActionScheduleAppointment = "schedule_appointment"

	DefaultReservationTime = "7:00 PM"
	DefaultPartySize       = 2
	ReservationDateLayout  = "January 02, 2006"
)

var ErrNoCallProvider = errors.New("no call provider configured")

type Restaurant struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

type Customer struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

type ReservationDetails struct {
	Date            string `json:"date,omitempty"`
	Time            string `json:"time,omitempty"`
	PartySize       int    `json:"partySize,omitempty"`
	SpecialRequests string `json:"specialRequests,omitempty"`
}

type ReservationRequest struct {
	Restaurant  Restaurant         `json:"restaurant"`
	Customer    Customer           `json:"customer"`
	Reservation ReservationDetails `json:"reservation"`
}

// CallRequest is what a voice-call provider needs to phone a restaurant.
type CallRequest struct {
	TargetPhone string
	Context     map[string]string
}

type CallRecord struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Summary string `json:"summary,omitempty"`
}

// CallProvider places outbound reservation calls.
type CallProvider interface {
	PlaceCall(ctx context.Context, req CallRequest) (*CallRecord, error)
}

type ReservationOptions struct {
	Provider        CallProvider
	FallbackPhone   string
	MaxAttempts     int
	InitialInterval time.Duration
	Logger          *slog.Logger
}

// ReservationTool books tables by phoning the restaurant through a
// CallProvider. Provider failures are retried with exponential backoff.
type ReservationTool struct {
	opts   ReservationOptions
	logger *slog.Logger
}

func NewReservationTool(opts ReservationOptions) *ReservationTool {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ReservationTool{opts: opts, logger: logger.With("tool", "reservation")}
}

func (t *ReservationTool) Name() string {
	return "reservation"
}

func (t *ReservationTool) Description() string {
	return "Book a restaurant table by placing a call to the restaurant"
}

func (t *ReservationTool) Capabilities() []string {
	return []string{"booking"}
}

func (t *ReservationTool) Invoke(ctx context.Context, action string, input json.RawMessage, tc ToolContext) (*Result, error) {
	if action != ActionMakeReservation {
		return nil, unsupported(t.Name(), action)
	}
	req, err := ResolveReservation(input, tc.Dependencies)
	if err != nil {
		return nil, invalidInput(t.Name(), action, err)
	}
	if t.opts.Provider == nil {
		return nil, &ToolError{Tool: t.Name(), Action: action, Code: "provider_unavailable", Err: ErrNoCallProvider}
	}

	call := CallRequest{
		TargetPhone: req.Restaurant.Phone,
		Context:     CallContext(req, tc.Now),
	}
	if call.TargetPhone == "" {
		call.TargetPhone = t.opts.FallbackPhone
	}

	var record *CallRecord
	attempt := 0
	op := func() error {
		attempt++
		r, err := t.opts.Provider.PlaceCall(ctx, call)
		if err != nil {
			return err
		}
		if r == nil || r.ID == "" {
			return errors.New("call dispatch returned no call id")
		}
		record = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		t.logger.Warn("call attempt failed", "attempt", attempt, "max_attempts", t.opts.MaxAttempts, "retry_in", wait, "error", err, "task_id", tc.TaskID)
	}
	if err := backoff.RetryNotify(op, t.retryPolicy(ctx), notify); err != nil {
		return nil, &ToolError{Tool: t.Name(), Action: action, Code: "call_failed", Retryable: true, Err: err}
	}

	t.logger.Info("reservation call dispatched", "call_id", record.ID, "restaurant", req.Restaurant.Name, "task_id", tc.TaskID)
	return marshalResult(t.Name(), map[string]any{
		"success":     true,
		"callId":      record.ID,
		"status":      record.Status,
		"summary":     record.Summary,
		"restaurant":  req.Restaurant.Name,
		"customer":    req.Customer.Name,
		"reservation": req.Reservation,
		"targetPhone": call.TargetPhone,
		"timestamp":   tc.Now.UTC().Format(time.RFC3339),
	})
}

func (t *ReservationTool) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.opts.InitialInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(t.opts.MaxAttempts-1)), ctx)
}

// ParseReservation decodes and validates a reservation request, filling the
// defaults for time and party size.
func ParseReservation(input json.RawMessage) (*ReservationRequest, error) {
	var req ReservationRequest
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Restaurant.Name) == "" {
		return nil, errors.New("restaurant name is required")
	}
	if strings.TrimSpace(req.Customer.Name) == "" {
		return nil, errors.New("customer name is required")
	}
	if req.Restaurant.Phone != "" && !ValidPhone(req.Restaurant.Phone) {
		return nil, fmt.Errorf("invalid restaurant phone number: %s", req.Restaurant.Phone)
	}
	if req.Reservation.Time == "" {
		req.Reservation.Time = DefaultReservationTime
	}
	if req.Reservation.PartySize <= 0 {
		req.Reservation.PartySize = DefaultPartySize
	}
	return &req, nil
}

// ResolveReservation parses input and, when no restaurant is named, books
// the first place found by an upstream search step.
func ResolveReservation(input json.RawMessage, deps map[string]json.RawMessage) (*ReservationRequest, error) {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	var probe ReservationRequest
	if err := json.Unmarshal(input, &probe); err != nil {
		return nil, err
	}
	if probe.Restaurant.Name == "" {
		if place, ok := firstPlace(deps); ok {
			var raw map[string]json.RawMessage
			if err := json.Unmarshal(input, &raw); err != nil {
				return nil, err
			}
			restaurant, _ := json.Marshal(Restaurant{Name: place.Name, Phone: place.Phone})
			raw["restaurant"] = restaurant
			merged, err := json.Marshal(raw)
			if err != nil {
				return nil, err
			}
			input = merged
		}
	}
	return ParseReservation(input)
}

func firstPlace(deps map[string]json.RawMessage) (Place, bool) {
	ids := make([]string, 0, len(deps))
	for id := range deps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		var out struct {
			Places []Place `json:"places"`
		}
		if json.Unmarshal(deps[id], &out) == nil && len(out.Places) > 0 {
			return out.Places[0], true
		}
	}
	return Place{}, false
}

// ValidPhone accepts numbers with 10 to 15 digits once formatting is removed.
func ValidPhone(phone string) bool {
	digits := 0
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return digits >= 10 && digits <= 15
}

// CallContext builds the script variables handed to the call provider.
// The date defaults to the day after now.
func CallContext(req *ReservationRequest, now time.Time) map[string]string {
	date := req.Reservation.Date
	if date == "" {
		date = now.UTC().AddDate(0, 0, 1).Format(ReservationDateLayout)
	}
	return map[string]string{
		"reservation_date": date,
		"reservation_time": req.Reservation.Time,
		"number_of_guests": strconv.Itoa(req.Reservation.PartySize),
		"special_requests": req.Reservation.SpecialRequests,
		"customer_name":    req.Customer.Name,
		"customer_phone":   req.Customer.Phone,
		"customer_email":   req.Customer.Email,
		"restaurant_name":  req.Restaurant.Name,
		"booking_type":     "reservation",
		"urgency":          "normal",
	}
}
