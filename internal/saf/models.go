package saf

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TicketStatus is the lifecycle status of a ticket.
type TicketStatus string

const (
	TicketPending   TicketStatus = "PENDING"
	TicketAccepted  TicketStatus = "ACCEPTED"
	TicketRejected  TicketStatus = "REJECTED"
	TicketCancelled TicketStatus = "CANCELLED"
	TicketCredited  TicketStatus = "CREDITED"
)

// Reserves reports whether a ticket in this status holds volume of its source.
func (s TicketStatus) Reserves() bool {
	switch s {
	case TicketPending, TicketAccepted, TicketCredited:
		return true
	default:
		return false
	}
}

// ReservingStatuses lists the statuses whose volume counts toward assigned_volume.
var ReservingStatuses = []TicketStatus{TicketPending, TicketAccepted, TicketCredited}

type ShippingMethod string

const (
	ShippingPipeline ShippingMethod = "PIPELINE"
	ShippingTruck    ShippingMethod = "TRUCK"
	ShippingTrain    ShippingMethod = "TRAIN"
	ShippingBarge    ShippingMethod = "BARGE"
)

type ConsumptionType string

const (
	ConsumptionMAC             ConsumptionType = "MAC"
	ConsumptionMACDeclassement ConsumptionType = "MAC_DECLASSEMENT"
)

// ETSStatus is the EU ETS treatment an airline declares when accepting a ticket.
type ETSStatus string

const (
	ETSTracked      ETSStatus = "TRACKED"
	ETSValuation    ETSStatus = "ETS_VALUATION"
	ETSOutside      ETSStatus = "OUTSIDE_ETS"
	ETSNotConcerned ETSStatus = "NOT_CONCERNED"
)

func (m ShippingMethod) valid() bool {
	switch m {
	case ShippingPipeline, ShippingTruck, ShippingTrain, ShippingBarge:
		return true
	}
	return false
}

func (c ConsumptionType) valid() bool {
	return c == ConsumptionMAC || c == ConsumptionMACDeclassement
}

func (e ETSStatus) valid() bool {
	switch e {
	case ETSTracked, ETSValuation, ETSOutside, ETSNotConcerned:
		return true
	}
	return false
}

// Durability holds the sustainability attributes carried along a lineage chain.
// They are copied from the origin when a source or ticket is created and never recomputed.
type Durability struct {
	Feedstock         string  `json:"feedstock" db:"feedstock"`
	Biofuel           string  `json:"biofuel" db:"biofuel"`
	CountryOfOrigin   string  `json:"country_of_origin" db:"country_of_origin"`
	ProductionCountry string  `json:"production_country" db:"production_country"`
	ProductionSite    string  `json:"production_site" db:"production_site"`
	GHGReduction      float64 `json:"ghg_reduction" db:"ghg_reduction"`
	GHGTotal          float64 `json:"ghg_total" db:"ghg_total"`
	EEC               float64 `json:"eec" db:"eec"`
	EL                float64 `json:"el" db:"el"`
	EP                float64 `json:"ep" db:"ep"`
	ETD               float64 `json:"etd" db:"etd"`
	EU                float64 `json:"eu" db:"eu"`
	ESCA              float64 `json:"esca" db:"esca"`
	ECCS              float64 `json:"eccs" db:"eccs"`
	ECCR              float64 `json:"eccr" db:"eccr"`
	EEE               float64 `json:"eee" db:"eee"`
}

// Origin is where a ticket source comes from: exactly one of LotRoot or TicketRoot.
type Origin interface {
	isOrigin()
}

// LotRoot marks a source issued from a registered lot.
type LotRoot struct {
	LotID uuid.UUID
}

// TicketRoot marks a source minted by crediting an accepted ticket.
type TicketRoot struct {
	TicketID uuid.UUID
}

func (LotRoot) isOrigin()    {}
func (TicketRoot) isOrigin() {}

// TicketSource is a pool of transferable volume owned by one entity.
type TicketSource struct {
	ID             uuid.UUID
	OwnerEntityID  uuid.UUID
	Year           int
	DeliveryPeriod int
	TotalVolume    decimal.Decimal
	AssignedVolume decimal.Decimal
	Origin         Origin
	Durability
	CreatedAt time.Time
}

// RemainingVolume is the volume still available for assignment.
func (s *TicketSource) RemainingVolume() decimal.Decimal {
	return s.TotalVolume.Sub(s.AssignedVolume)
}

// ParentLotID returns the lot id when the source is lot-rooted.
func (s *TicketSource) ParentLotID() *uuid.UUID {
	if root, ok := s.Origin.(LotRoot); ok {
		id := root.LotID
		return &id
	}
	return nil
}

// ParentTicketID returns the credited ticket id when the source is credit-rooted.
func (s *TicketSource) ParentTicketID() *uuid.UUID {
	if root, ok := s.Origin.(TicketRoot); ok {
		id := root.TicketID
		return &id
	}
	return nil
}

// CheckInvariant verifies 0 <= assigned_volume <= total_volume and a well-formed origin.
func (s *TicketSource) CheckInvariant() error {
	if s.AssignedVolume.IsNegative() {
		return fmt.Errorf("%w: source %s has negative assigned volume %s", ErrInvariantViolation, s.ID, s.AssignedVolume)
	}
	if s.AssignedVolume.GreaterThan(s.TotalVolume) {
		return fmt.Errorf("%w: source %s assigned volume %s exceeds total %s", ErrInvariantViolation, s.ID, s.AssignedVolume, s.TotalVolume)
	}
	switch s.Origin.(type) {
	case LotRoot, TicketRoot:
	default:
		return fmt.Errorf("%w: source %s has no origin", ErrInvariantViolation, s.ID)
	}
	return nil
}

type ticketSourceJSON struct {
	ID              uuid.UUID       `json:"id"`
	OwnerEntityID   uuid.UUID       `json:"owner_entity_id"`
	Year            int             `json:"year"`
	DeliveryPeriod  int             `json:"delivery_period"`
	TotalVolume     decimal.Decimal `json:"total_volume"`
	AssignedVolume  decimal.Decimal `json:"assigned_volume"`
	RemainingVolume decimal.Decimal `json:"remaining_volume"`
	ParentLotID     *uuid.UUID      `json:"parent_lot_id"`
	ParentTicketID  *uuid.UUID      `json:"parent_ticket_id"`
	Durability
	CreatedAt time.Time `json:"created_at"`
}

// MarshalJSON flattens the origin into parent_lot_id / parent_ticket_id.
func (s TicketSource) MarshalJSON() ([]byte, error) {
	return json.Marshal(ticketSourceJSON{
		ID:              s.ID,
		OwnerEntityID:   s.OwnerEntityID,
		Year:            s.Year,
		DeliveryPeriod:  s.DeliveryPeriod,
		TotalVolume:     s.TotalVolume,
		AssignedVolume:  s.AssignedVolume,
		RemainingVolume: s.RemainingVolume(),
		ParentLotID:     s.ParentLotID(),
		ParentTicketID:  s.ParentTicketID(),
		Durability:      s.Durability,
		CreatedAt:       s.CreatedAt,
	})
}

// Ticket is a fixed volume committed from one source to one client entity.
type Ticket struct {
	ID               uuid.UUID       `json:"id" db:"id"`
	SourceID         uuid.UUID       `json:"source_id" db:"source_id"`
	Year             int             `json:"year" db:"year"`
	Volume           decimal.Decimal `json:"volume" db:"volume"`
	SupplierEntityID uuid.UUID       `json:"supplier_entity_id" db:"supplier_entity_id"`
	ClientEntityID   uuid.UUID       `json:"client_entity_id" db:"client_entity_id"`
	Status           TicketStatus    `json:"status" db:"status"`

	AssignmentPeriod   int        `json:"assignment_period" db:"assignment_period"`
	AgreementReference string     `json:"agreement_reference" db:"agreement_reference"`
	AgreementDate      *time.Time `json:"agreement_date,omitempty" db:"agreement_date"`
	FreeField          string     `json:"free_field" db:"free_field"`

	ReceptionAirport   *string          `json:"reception_airport,omitempty" db:"reception_airport"`
	ShippingMethod     *ShippingMethod  `json:"shipping_method,omitempty" db:"shipping_method"`
	ConsumptionType    *ConsumptionType `json:"consumption_type,omitempty" db:"consumption_type"`
	ETSStatus          *ETSStatus       `json:"ets_status,omitempty" db:"ets_status"`
	ETSDeclarationDate *time.Time       `json:"ets_declaration_date,omitempty" db:"ets_declaration_date"`

	RejectionComment *string `json:"rejection_comment,omitempty" db:"rejection_comment"`

	Durability
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Snapshot holds per-entity, per-year counters shown on the SAF dashboard.
type Snapshot struct {
	TicketSourcesAvailable  int `json:"ticket_sources_available" db:"ticket_sources_available"`
	TicketSourcesHistory    int `json:"ticket_sources_history" db:"ticket_sources_history"`
	TicketsAssignedPending  int `json:"tickets_assigned_pending" db:"tickets_assigned_pending"`
	TicketsAssignedAccepted int `json:"tickets_assigned_accepted" db:"tickets_assigned_accepted"`
	TicketsAssignedRejected int `json:"tickets_assigned_rejected" db:"tickets_assigned_rejected"`
	TicketsReceivedPending  int `json:"tickets_received_pending" db:"tickets_received_pending"`
	TicketsReceivedAccepted int `json:"tickets_received_accepted" db:"tickets_received_accepted"`
}

// SourceBalance compares a source's stored assigned volume to the volume its tickets reserve.
type SourceBalance struct {
	SourceID       uuid.UUID       `json:"source_id" db:"id"`
	TotalVolume    decimal.Decimal `json:"total_volume" db:"total_volume"`
	AssignedVolume decimal.Decimal `json:"assigned_volume" db:"assigned_volume"`
	ReservedVolume decimal.Decimal `json:"reserved_volume" db:"reserved_volume"`
}

// LineageNode is one hop of a provenance chain, from a source up to its lot.
type LineageNode struct {
	SourceID uuid.UUID  `json:"source_id"`
	OwnerID  uuid.UUID  `json:"owner_entity_id"`
	TicketID *uuid.UUID `json:"credited_ticket_id,omitempty"`
	LotID    *uuid.UUID `json:"lot_id,omitempty"`
}
