package domain

import (
	"math"
	"strings"
	"time"
)

// LandRecord is a property transaction history submitted for analysis.
// Optional scalars are pointers so "absent" and "zero" stay distinguishable
// until Normalize applies the defaults.
type LandRecord struct {
	ID       string `json:"id" validate:"required"`
	TenantID string `json:"tenantId,omitempty"`

	// Ownership chain, oldest first.
	OwnerHistory []OwnerHistory    `json:"ownerHistory,omitempty" validate:"omitempty,dive"`
	Transactions []LandTransaction `json:"transactions,omitempty" validate:"omitempty,dive"`

	// Current parties
	OwnerName  string `json:"ownerName,omitempty"`
	SellerName string `json:"sellerName,omitempty"`

	Area             *float64 `json:"area,omitempty" validate:"omitempty,gte=0"`
	Price            *float64 `json:"price,omitempty" validate:"omitempty,gte=0"`
	MarketValue      *float64 `json:"marketValue,omitempty" validate:"omitempty,gte=0"`
	RegistrationDate string   `json:"registrationDate,omitempty" validate:"omitempty,isodate"`
	TransactionType  string   `json:"transactionType,omitempty"`
	StampDuty        *float64 `json:"stampDuty,omitempty" validate:"omitempty,gte=0"`
	RegistrationFee  *float64 `json:"registrationFee,omitempty" validate:"omitempty,gte=0"`
	Documents        []string `json:"documents,omitempty"`
	SurveyNumber     string   `json:"surveyNumber,omitempty"`

	// DocumentText is the extracted text of the submitted deed, if any.
	DocumentText string `json:"documentText,omitempty"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// OwnerHistory is one entry of the ownership chain.
type OwnerHistory struct {
	Name       string `json:"name" validate:"required"`
	Date       string `json:"date" validate:"omitempty,isodate"`
	DocumentID string `json:"documentId,omitempty"`
}

// LandTransaction is a recorded transfer of the parcel.
type LandTransaction struct {
	ID     string  `json:"id"`
	Date   string  `json:"date" validate:"omitempty,isodate"`
	Amount float64 `json:"amount" validate:"gte=0"`
	From   string  `json:"from"`
	To     string  `json:"to"`
	Type   string  `json:"type"`
}

// NormalizedRecord is a LandRecord with every missing field resolved to its
// default. Feature groups read only from this view.
type NormalizedRecord struct {
	ID               string
	OwnerName        string
	SellerName       string
	OwnerCount       int
	Area             float64
	Price            float64
	MarketValue      float64
	RegistrationDate string
	TransactionType  string
	StampDuty        float64
	RegistrationFee  float64
	Documents        []string
	SurveyNumber     string
}

// Normalize applies the missing-value rules once. The receiver is not
// modified.
func (r *LandRecord) Normalize() NormalizedRecord {
	if r == nil {
		return NormalizedRecord{}
	}

	n := NormalizedRecord{
		ID:               r.ID,
		OwnerName:        strings.TrimSpace(r.OwnerName),
		SellerName:       strings.TrimSpace(r.SellerName),
		Area:             floatOr(r.Area, 0),
		Price:            floatOr(r.Price, 0),
		MarketValue:      floatOr(r.MarketValue, 0),
		RegistrationDate: strings.TrimSpace(r.RegistrationDate),
		TransactionType:  strings.ToLower(strings.TrimSpace(r.TransactionType)),
		StampDuty:        floatOr(r.StampDuty, 0),
		RegistrationFee:  floatOr(r.RegistrationFee, 0),
		SurveyNumber:     strings.TrimSpace(r.SurveyNumber),
	}

	docs := make([]string, 0, len(r.Documents))
	for _, d := range r.Documents {
		if d = strings.TrimSpace(d); d != "" {
			docs = append(docs, d)
		}
	}
	n.Documents = docs

	// Current owner falls back to the latest history entry; the seller to
	// the one before it.
	names := make([]string, 0, len(r.OwnerHistory))
	for _, h := range r.OwnerHistory {
		if name := strings.TrimSpace(h.Name); name != "" {
			names = append(names, name)
		}
	}
	if n.OwnerName == "" && len(names) > 0 {
		n.OwnerName = names[len(names)-1]
	}
	if n.SellerName == "" && len(names) > 1 {
		n.SellerName = names[len(names)-2]
	}

	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		seen[strings.ToLower(name)] = struct{}{}
	}
	n.OwnerCount = len(seen)
	if n.OwnerCount == 0 && n.OwnerName != "" {
		n.OwnerCount = 1
	}

	return n
}

func floatOr(v *float64, def float64) float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return def
	}
	return *v
}

// Float returns a pointer to v. Convenience for building records.
func Float(v float64) *float64 {
	return &v
}
