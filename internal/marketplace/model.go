package marketplace

import "time"

// Service is a seller's listing. Purchasable terms live on its packages;
// the displayed price is the cheapest active package.
type Service struct {
	ID          string    `json:"id"`
	SellerID    string    `json:"seller_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Category    string    `json:"category,omitempty"`
	Status      string    `json:"status"`
	RatingAvg   float64   `json:"rating_avg"`
	RatingCount int       `json:"rating_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// ServicePackage is one of up to three purchasable tiers of a service.
type ServicePackage struct {
	ID            string   `json:"id"`
	ServiceID     string   `json:"service_id"`
	Tier          string   `json:"tier"` // basic | standard | premium
	Title         string   `json:"title"`
	PriceCents    int64    `json:"price_cents"`
	DeliveryDays  int      `json:"delivery_days"`
	RevisionLimit int      `json:"revision_limit"` // -1 = unlimited
	Features      []string `json:"features"`
	Active        bool     `json:"active"`
}

// ServiceSummary is the discovery-listing row with aggregates.
type ServiceSummary struct {
	ID              string    `json:"id"`
	SellerID        string    `json:"seller_id"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	Category        string    `json:"category,omitempty"`
	Status          string    `json:"status"`
	RatingAvg       float64   `json:"rating_avg"`
	RatingCount     int       `json:"rating_count"`
	FromPriceCents  int64     `json:"from_price_cents"`
	MinDeliveryDays int       `json:"min_delivery_days"`
	CreatedAt       time.Time `json:"created_at"`
}

type PackageInput struct {
	Tier          string   `json:"tier" validate:"required,oneof=basic standard premium"`
	Title         string   `json:"title" validate:"max=120"`
	PriceCents    int64    `json:"price_cents" validate:"required,gt=0"`
	DeliveryDays  int      `json:"delivery_days" validate:"required,gt=0"`
	RevisionLimit int      `json:"revision_limit" validate:"gte=-1"`
	Features      []string `json:"features" validate:"max=20,dive,max=200"`
}

type CreateServiceRequest struct {
	Title       string         `json:"title" validate:"required,max=120"`
	Description string         `json:"description" validate:"max=5000"`
	Category    string         `json:"category" validate:"max=60"`
	Packages    []PackageInput `json:"packages" validate:"max=3,dive"`
}

type CreateOrderRequest struct {
	ServiceID    string `json:"service_id" validate:"required,uuid"`
	PackageID    string `json:"package_id" validate:"required,uuid"`
	Requirements string `json:"requirements" validate:"required,max=10000"`
}

type DeliverRequest struct {
	Message string `json:"message" validate:"required,max=10000"`
}

type ReasonRequest struct {
	Reason string `json:"reason" validate:"max=2000"`
}
