package models

import (
	"encoding/json"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// OrderStatus values are wire strings shared with the backend.
type OrderStatus string

const (
	OrderPaymentPending OrderStatus = "payment_pending"
	OrderConfirmed      OrderStatus = "confirmed"
	OrderPreparing      OrderStatus = "preparing"
	OrderReady          OrderStatus = "ready"
	OrderPickedUp       OrderStatus = "picked_up"
	OrderOnTheWay       OrderStatus = "on_the_way"
	OrderDelivered      OrderStatus = "delivered"
	OrderCancelled      OrderStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s == OrderDelivered || s == OrderCancelled
}

// InFlight reports whether the status is one of the progress states a
// restaurant may only enter once payment is approved.
func (s OrderStatus) InFlight() bool {
	switch s {
	case OrderConfirmed, OrderPreparing, OrderReady, OrderPickedUp, OrderOnTheWay:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentPending       PaymentStatus = "payment_pending"
	PaymentPendingReview PaymentStatus = "paid_pending_review"
	PaymentPaid          PaymentStatus = "paid"
	PaymentCaptured      PaymentStatus = "captured"
	PaymentHold          PaymentStatus = "hold"
	PaymentInitiated     PaymentStatus = "initiated"
	PaymentFailed        PaymentStatus = "failed"
	PaymentRefunded      PaymentStatus = "refunded"
	PaymentVoided        PaymentStatus = "voided"
)

// Approved reports whether the payment state allows the order to progress
// through the kitchen/courier pipeline.
func (p PaymentStatus) Approved() bool {
	return p == PaymentPaid || p == PaymentCaptured
}

type DeliveryStatus string

const (
	DeliveryAvailable DeliveryStatus = "available"
	DeliveryAssigned  DeliveryStatus = "assigned"
	DeliveryPickedUp  DeliveryStatus = "picked_up"
	DeliveryDelivered DeliveryStatus = "delivered"
)

type OrderItem struct {
	MenuItemID string `json:"menu_item_id"`
	Quantity   int    `json:"quantity"`
}

// Order is one placed purchase. Amounts are integer cents.
type Order struct {
	ID           string      `json:"id"`
	UserID       string      `json:"user_id"`
	RestaurantID string      `json:"restaurant_id"`
	Items        []OrderItem `json:"items"`

	Subtotal    int64 `json:"subtotal"`
	DeliveryFee int64 `json:"delivery_fee"`
	Tax         int64 `json:"tax"`
	PlatformFee int64 `json:"platform_fee"`
	Tip         int64 `json:"tip"`
	Total       int64 `json:"total"`

	Status        OrderStatus   `json:"status"`
	PaymentStatus PaymentStatus `json:"payment_status"`

	DeliveryAddress string `json:"delivery_address"`
	DeliveryCoord   *Coord `json:"delivery_coord,omitempty"`

	CreatedAt             time.Time `json:"created_at"`
	EstimatedDeliveryTime time.Time `json:"estimated_delivery_time"`
	UpdatedAt             time.Time `json:"updated_at"`

	CancellationReason string `json:"cancellation_reason,omitempty"`

	// Delivery is a read-only join maintained by delivery change events;
	// order-side code never writes through it.
	Delivery *Delivery `json:"delivery,omitempty"`
}

// Delivery is the courier assignment for one order (1:1).
type Delivery struct {
	ID        string         `json:"id"`
	OrderID   string         `json:"order_id"`
	DriverID  string         `json:"driver_id,omitempty"`
	Status    DeliveryStatus `json:"status"`
	Pickup    *Coord         `json:"pickup,omitempty"`
	Dropoff   *Coord         `json:"dropoff,omitempty"`
	DistanceM float64        `json:"distance_m"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type Restaurant struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Coord            *Coord `json:"coord,omitempty"`
	BaseEstimateMins string `json:"base_estimate_mins"` // declared by the restaurant, free-form
	City             string `json:"city"`
}

type Wallet struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Role      string    `json:"role"` // customer, restaurant, driver
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WalletTransaction rows are append-only; balances are settled server-side.
type WalletTransaction struct {
	ID        string    `json:"id"`
	WalletID  string    `json:"wallet_id"`
	OrderID   string    `json:"order_id,omitempty"`
	Type      string    `json:"type"` // topup, payout, credit, refund
	Amount    int64     `json:"amount"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// ArrivalMetrics is one day of trusted-arrival aggregates.
type ArrivalMetrics struct {
	Day                    string  `json:"day"` // YYYY-MM-DD
	OnTimePct              float64 `json:"on_time_pct"`
	RerouteRate            float64 `json:"reroute_rate"`
	SubstitutionAcceptRate float64 `json:"substitution_accept_rate"`
	CreditCost             int64   `json:"credit_cost"`
}

// RolloutConfig gates delay-mitigation offers. Mutated only by admin
// tooling; readers fetch a fresh copy before every offer decision.
type RolloutConfig struct {
	ObserveOnly       bool     `json:"observe_only"`
	SubstitutionAllow []string `json:"substitution_allow"` // restaurant ids
	RerouteAllow      []string `json:"reroute_allow"`      // restaurant or city ids
	MinOnTimePct      float64  `json:"min_on_time_pct"`
	MaxRerouteRate    float64  `json:"max_reroute_rate"`
	MaxDailyCredit    int64    `json:"max_daily_credit"`
}

func (c RolloutConfig) AllowsSubstitution(entityID string) bool {
	return !c.ObserveOnly && contains(c.SubstitutionAllow, entityID)
}

func (c RolloutConfig) AllowsReroute(entityID string) bool {
	return !c.ObserveOnly && contains(c.RerouteAllow, entityID)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// ChangeEvent is the row-level change envelope emitted for the orders and
// deliveries tables. New/Old stay raw until the table is known.
type ChangeEvent struct {
	EventType EventType       `json:"eventType"`
	Table     string          `json:"table"`
	New       json.RawMessage `json:"new,omitempty"`
	Old       json.RawMessage `json:"old,omitempty"`
}
