package schema

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/etchmuzik/fleetbus/errs"
)

// Typed payload variants for the closed set of known event types. The wire
// payload stays a generic map; these structs are the validated views used by
// handlers and the validator's schema table.

// RiderStatusPayload describes a rider lifecycle transition.
type RiderStatusPayload struct {
	RiderID        string `json:"riderId"`
	Status         string `json:"status"`
	PreviousStatus string `json:"previousStatus,omitempty"`
}

// RiderLocationPayload describes a GPS ping.
type RiderLocationPayload struct {
	RiderID   string  `json:"riderId"`
	BikeID    string  `json:"bikeId,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Speed     float64 `json:"speed,omitempty"`
	Heading   float64 `json:"heading,omitempty"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

// ExpensePayload describes an expense lifecycle event.
type ExpensePayload struct {
	ExpenseID string          `json:"expenseId"`
	RiderID   string          `json:"riderId"`
	Amount    decimal.Decimal `json:"amount"`
	Category  string          `json:"category,omitempty"`
	Status    string          `json:"status,omitempty"`
}

// DocumentPayload describes a document upload or verification event.
type DocumentPayload struct {
	DocumentID string `json:"documentId"`
	RiderID    string `json:"riderId"`
	Kind       string `json:"kind,omitempty"`
	Status     string `json:"status,omitempty"`
}

// BikePayload describes a bike status or assignment event.
type BikePayload struct {
	BikeID  string `json:"bikeId"`
	RiderID string `json:"riderId,omitempty"`
	Status  string `json:"status,omitempty"`
}

// AlertPayload describes a fleet or budget alert. Severity is the one
// mandatory classification; title and message are free text.
type AlertPayload struct {
	Severity string `json:"severity"`
	Title    string `json:"title,omitempty"`
	Message  string `json:"message,omitempty"`
}

// NotificationPayload describes a system notification. Message is required;
// severity defaults to info when the producer leaves it out.
type NotificationPayload struct {
	Severity string `json:"severity"`
	Title    string `json:"title,omitempty"`
	Message  string `json:"message"`
	Role     string `json:"role,omitempty"`
}

func stringField(component string, payload Payload, field string, required bool) (string, error) {
	raw, ok := payload[field]
	if !ok || raw == nil {
		if required {
			return "", errs.Validation(component, field, "required field missing")
		}
		return "", nil
	}
	value, ok := raw.(string)
	if !ok {
		return "", errs.Validation(component, field, "expected string value")
	}
	value = strings.TrimSpace(value)
	if required && value == "" {
		return "", errs.Validation(component, field, "required field empty")
	}
	return value, nil
}

func numberField(component string, payload Payload, field string, required bool) (float64, bool, error) {
	raw, ok := payload[field]
	if !ok || raw == nil {
		if required {
			return 0, false, errs.Validation(component, field, "required field missing")
		}
		return 0, false, nil
	}
	switch v := raw.(type) {
	case float64:
		return v, true, nil
	case float32:
		return float64(v), true, nil
	case int:
		return float64(v), true, nil
	case int64:
		return float64(v), true, nil
	}
	return 0, false, errs.Validation(component, field, "expected numeric value")
}

func amountField(component string, payload Payload, field string) (decimal.Decimal, error) {
	raw, ok := payload[field]
	if !ok || raw == nil {
		return decimal.Zero, errs.Validation(component, field, "required field missing")
	}
	var amount decimal.Decimal
	switch v := raw.(type) {
	case float64:
		amount = decimal.NewFromFloat(v)
	case int:
		amount = decimal.NewFromInt(int64(v))
	case int64:
		amount = decimal.NewFromInt(v)
	case string:
		parsed, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return decimal.Zero, errs.Validation(component, field, fmt.Sprintf("invalid decimal: %v", err))
		}
		amount = parsed
	case decimal.Decimal:
		amount = v
	default:
		return decimal.Zero, errs.Validation(component, field, "expected decimal value")
	}
	if amount.Sign() <= 0 {
		return decimal.Zero, errs.Validation(component, field, "amount must be positive")
	}
	return amount, nil
}

// DecodeRiderStatus extracts the typed rider-status view of a payload.
func DecodeRiderStatus(payload Payload) (RiderStatusPayload, error) {
	const component = "schema/rider-status"
	riderID, err := stringField(component, payload, "riderId", true)
	if err != nil {
		return RiderStatusPayload{}, err
	}
	status, err := stringField(component, payload, "status", true)
	if err != nil {
		return RiderStatusPayload{}, err
	}
	previous, err := stringField(component, payload, "previousStatus", false)
	if err != nil {
		return RiderStatusPayload{}, err
	}
	return RiderStatusPayload{RiderID: riderID, Status: status, PreviousStatus: previous}, nil
}

// DecodeRiderLocation extracts the typed location view of a payload.
func DecodeRiderLocation(payload Payload) (RiderLocationPayload, error) {
	const component = "schema/rider-location"
	riderID, err := stringField(component, payload, "riderId", true)
	if err != nil {
		return RiderLocationPayload{}, err
	}
	bikeID, err := stringField(component, payload, "bikeId", false)
	if err != nil {
		return RiderLocationPayload{}, err
	}
	lat, _, err := numberField(component, payload, "latitude", true)
	if err != nil {
		return RiderLocationPayload{}, err
	}
	if lat < -90 || lat > 90 {
		return RiderLocationPayload{}, errs.Validation(component, "latitude", "latitude out of range")
	}
	lon, _, err := numberField(component, payload, "longitude", true)
	if err != nil {
		return RiderLocationPayload{}, err
	}
	if lon < -180 || lon > 180 {
		return RiderLocationPayload{}, errs.Validation(component, "longitude", "longitude out of range")
	}
	speed, _, err := numberField(component, payload, "speed", false)
	if err != nil {
		return RiderLocationPayload{}, err
	}
	heading, _, err := numberField(component, payload, "heading", false)
	if err != nil {
		return RiderLocationPayload{}, err
	}
	accuracy, _, err := numberField(component, payload, "accuracy", false)
	if err != nil {
		return RiderLocationPayload{}, err
	}
	return RiderLocationPayload{
		RiderID:   riderID,
		BikeID:    bikeID,
		Latitude:  lat,
		Longitude: lon,
		Speed:     speed,
		Heading:   heading,
		Accuracy:  accuracy,
	}, nil
}

// DecodeExpense extracts the typed expense view of a payload.
func DecodeExpense(payload Payload) (ExpensePayload, error) {
	const component = "schema/expense"
	expenseID, err := stringField(component, payload, "expenseId", true)
	if err != nil {
		return ExpensePayload{}, err
	}
	riderID, err := stringField(component, payload, "riderId", true)
	if err != nil {
		return ExpensePayload{}, err
	}
	amount, err := amountField(component, payload, "amount")
	if err != nil {
		return ExpensePayload{}, err
	}
	category, err := stringField(component, payload, "category", false)
	if err != nil {
		return ExpensePayload{}, err
	}
	status, err := stringField(component, payload, "status", false)
	if err != nil {
		return ExpensePayload{}, err
	}
	return ExpensePayload{
		ExpenseID: expenseID,
		RiderID:   riderID,
		Amount:    amount,
		Category:  category,
		Status:    status,
	}, nil
}

// DecodeDocument extracts the typed document view of a payload.
func DecodeDocument(payload Payload) (DocumentPayload, error) {
	const component = "schema/document"
	documentID, err := stringField(component, payload, "documentId", true)
	if err != nil {
		return DocumentPayload{}, err
	}
	riderID, err := stringField(component, payload, "riderId", true)
	if err != nil {
		return DocumentPayload{}, err
	}
	kind, err := stringField(component, payload, "kind", false)
	if err != nil {
		return DocumentPayload{}, err
	}
	status, err := stringField(component, payload, "status", false)
	if err != nil {
		return DocumentPayload{}, err
	}
	return DocumentPayload{DocumentID: documentID, RiderID: riderID, Kind: kind, Status: status}, nil
}

// DecodeBike extracts the typed bike view of a payload.
func DecodeBike(payload Payload) (BikePayload, error) {
	const component = "schema/bike"
	bikeID, err := stringField(component, payload, "bikeId", true)
	if err != nil {
		return BikePayload{}, err
	}
	riderID, err := stringField(component, payload, "riderId", false)
	if err != nil {
		return BikePayload{}, err
	}
	status, err := stringField(component, payload, "status", false)
	if err != nil {
		return BikePayload{}, err
	}
	return BikePayload{BikeID: bikeID, RiderID: riderID, Status: status}, nil
}

// DecodeAlert extracts the typed alert view of a payload.
func DecodeAlert(payload Payload) (AlertPayload, error) {
	const component = "schema/alert"
	severity, err := stringField(component, payload, "severity", true)
	if err != nil {
		return AlertPayload{}, err
	}
	title, err := stringField(component, payload, "title", false)
	if err != nil {
		return AlertPayload{}, err
	}
	message, err := stringField(component, payload, "message", false)
	if err != nil {
		return AlertPayload{}, err
	}
	return AlertPayload{Severity: severity, Title: title, Message: message}, nil
}

// DecodeNotification extracts the typed system-notification view of a
// payload.
func DecodeNotification(payload Payload) (NotificationPayload, error) {
	const component = "schema/notification"
	message, err := stringField(component, payload, "message", true)
	if err != nil {
		return NotificationPayload{}, err
	}
	severity, err := stringField(component, payload, "severity", false)
	if err != nil {
		return NotificationPayload{}, err
	}
	if severity == "" {
		severity = "info"
	}
	title, err := stringField(component, payload, "title", false)
	if err != nil {
		return NotificationPayload{}, err
	}
	role, err := stringField(component, payload, "role", false)
	if err != nil {
		return NotificationPayload{}, err
	}
	return NotificationPayload{Severity: severity, Title: title, Message: message, Role: role}, nil
}
