package saf

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"saf-registry/ledger-backend/internal/directory"
)

// volumeScale is the number of decimal places a volume may carry (NUMERIC(20,3)).
const volumeScale = 3

const dateLayout = "2006-01-02"

// AssignmentMetadata is the business data attached to a ticket at assignment.
type AssignmentMetadata struct {
	AssignmentPeriod   int    `json:"assignment_period"`
	AgreementReference string `json:"agreement_reference"`
	AgreementDate      string `json:"agreement_date"`
	FreeField          string `json:"free_field"`

	// Reception fields are meaningful only for Airline clients.
	ReceptionAirport *string          `json:"reception_airport"`
	ShippingMethod   *ShippingMethod  `json:"shipping_method"`
	ConsumptionType  *ConsumptionType `json:"consumption_type"`
}

// AssignRequest is the body of POST /ticket-sources/{id}/assign.
type AssignRequest struct {
	ClientID uuid.UUID       `json:"client_id"`
	Volume   decimal.Decimal `json:"volume"`
	AssignmentMetadata
}

// GroupAssignRequest is the body of POST /ticket-sources/group-assign.
type GroupAssignRequest struct {
	SourceIDs []uuid.UUID     `json:"ticket_sources_ids"`
	ClientID  uuid.UUID       `json:"client_id"`
	Volume    decimal.Decimal `json:"volume"`
	AssignmentMetadata
}

// GroupAssignResult reports the tickets created by a group assignment.
type GroupAssignResult struct {
	Tickets       []*Ticket `json:"tickets"`
	AssignedCount int       `json:"assigned_tickets_count"`
}

// AcceptRequest is the body of POST /tickets/{id}/accept. Airlines declare their ETS
// status and may complete reception fields left empty at assignment.
type AcceptRequest struct {
	ETSStatus          *ETSStatus `json:"ets_status"`
	ETSDeclarationDate string     `json:"ets_declaration_date"`

	ReceptionAirport *string          `json:"reception_airport"`
	ShippingMethod   *ShippingMethod  `json:"shipping_method"`
	ConsumptionType  *ConsumptionType `json:"consumption_type"`
}

func (r AcceptRequest) hasReception() bool {
	return r.ReceptionAirport != nil || r.ShippingMethod != nil || r.ConsumptionType != nil
}

// validateReception checks enumerated reception values.
func validateReception(shipping *ShippingMethod, consumption *ConsumptionType) error {
	if shipping != nil && !shipping.valid() {
		return fmt.Errorf("%w: unknown shipping_method %q", ErrInvalidInput, *shipping)
	}
	if consumption != nil && !consumption.valid() {
		return fmt.Errorf("%w: unknown consumption_type %q", ErrInvalidInput, *consumption)
	}
	return nil
}

// fillReception copies reception fields onto t, keeping values set at assignment.
func (r AcceptRequest) fillReception(t *Ticket) {
	if t.ReceptionAirport == nil {
		t.ReceptionAirport = r.ReceptionAirport
	}
	if t.ShippingMethod == nil {
		t.ShippingMethod = r.ShippingMethod
	}
	if t.ConsumptionType == nil {
		t.ConsumptionType = r.ConsumptionType
	}
}

// RejectRequest is the body of POST /tickets/{id}/reject.
type RejectRequest struct {
	Comment string `json:"comment"`
}

// LotSourceRequest registers a lot-rooted ticket source.
type LotSourceRequest struct {
	LotID          uuid.UUID       `json:"lot_id"`
	OwnerEntityID  uuid.UUID       `json:"owner_entity_id"`
	Year           int             `json:"year"`
	DeliveryPeriod int             `json:"delivery_period"`
	TotalVolume    decimal.Decimal `json:"total_volume"`
	Durability
}

func validateVolume(v decimal.Decimal) error {
	if !v.IsPositive() {
		return fmt.Errorf("%w: volume must be greater than 0", ErrInvalidInput)
	}
	if !v.Equal(v.Round(volumeScale)) {
		return fmt.Errorf("%w: volume accepts at most %d decimal places", ErrInvalidInput, volumeScale)
	}
	return nil
}

// validatePeriod checks a YYYYMM period.
func validatePeriod(period int) error {
	month := period % 100
	if period < 100000 || period > 999912 || month < 1 || month > 12 {
		return fmt.Errorf("%w: assignment_period must be YYYYMM, got %d", ErrInvalidInput, period)
	}
	return nil
}

func parseDate(field, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, value)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be YYYY-MM-DD", ErrInvalidInput, field)
	}
	return &t, nil
}

// apply validates metadata against the client's role and copies it onto t.
func (m AssignmentMetadata) apply(t *Ticket, client *directory.Entity) error {
	if err := validatePeriod(m.AssignmentPeriod); err != nil {
		return err
	}
	agreementDate, err := parseDate("agreement_date", m.AgreementDate)
	if err != nil {
		return err
	}

	hasReception := m.ReceptionAirport != nil || m.ShippingMethod != nil || m.ConsumptionType != nil
	if hasReception && client.Role != directory.RoleAirline {
		return fmt.Errorf("%w: reception fields are only accepted for airline clients", ErrInvalidInput)
	}
	if err := validateReception(m.ShippingMethod, m.ConsumptionType); err != nil {
		return err
	}

	t.AssignmentPeriod = m.AssignmentPeriod
	t.AgreementReference = m.AgreementReference
	t.AgreementDate = agreementDate
	t.FreeField = m.FreeField
	t.ReceptionAirport = m.ReceptionAirport
	t.ShippingMethod = m.ShippingMethod
	t.ConsumptionType = m.ConsumptionType
	return nil
}

func (r LotSourceRequest) validate() error {
	if r.LotID == uuid.Nil || r.OwnerEntityID == uuid.Nil {
		return fmt.Errorf("%w: lot_id and owner_entity_id are required", ErrInvalidInput)
	}
	if r.TotalVolume.IsNegative() || !r.TotalVolume.Equal(r.TotalVolume.Round(volumeScale)) {
		return fmt.Errorf("%w: total_volume must be >= 0 with at most %d decimal places", ErrInvalidInput, volumeScale)
	}
	if r.Year < 1000 || r.Year > 9999 {
		return fmt.Errorf("%w: year must have four digits", ErrInvalidInput)
	}
	return validatePeriod(r.DeliveryPeriod)
}
