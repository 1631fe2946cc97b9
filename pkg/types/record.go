package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMissingField is wrapped by DecodeRecord when a required field is absent
// or null.
var ErrMissingField = errors.New("missing required field")

// Address is the mailing or situs address embedded in a PropertyRecord.
type Address struct {
	Street string `json:"street"`
	City   string `json:"city"`
	State  string `json:"state"`
	Zip    string `json:"zip"`
}

// PropertyRecord is one unit of work moving through the pipeline.
type PropertyRecord struct {
	PropertyID    string  `json:"property_id"`
	OwnerName     string  `json:"owner_name"`
	Address       Address `json:"address"`
	AssessedValue float64 `json:"assessed_value"`
	LocationCode  string  `json:"location_code"`
	IsOverdue     bool    `json:"is_overdue"`

	// LastPaymentUnix is seconds since the epoch; nil when never paid.
	LastPaymentUnix *int64 `json:"last_payment_unix"`
}

// ComputedTaxResult is the response body of the compute endpoint.
type ComputedTaxResult struct {
	PropertyID  string  `json:"property_id"`
	ComputedTax float64 `json:"computed_tax"`
	Owner       string  `json:"owner"`
	Message     string  `json:"message"`
}

// wireAddress and wireRecord mirror the public types with pointer fields so
// that absent and null values can be told apart from zero values.
type wireAddress struct {
	Street *string `json:"street"`
	City   *string `json:"city"`
	State  *string `json:"state"`
	Zip    *string `json:"zip"`
}

type wireRecord struct {
	PropertyID      *string      `json:"property_id"`
	OwnerName       *string      `json:"owner_name"`
	Address         *wireAddress `json:"address"`
	AssessedValue   *float64     `json:"assessed_value"`
	LocationCode    *string      `json:"location_code"`
	IsOverdue       *bool        `json:"is_overdue"`
	LastPaymentUnix *int64       `json:"last_payment_unix"`
}

// DecodeRecord parses one JSON-encoded PropertyRecord.
func DecodeRecord(data []byte) (*PropertyRecord, error) {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode property record: %w", err)
	}

	missing := func(name string) error {
		return fmt.Errorf("decode property record: %w: %s", ErrMissingField, name)
	}
	switch {
	case w.PropertyID == nil:
		return nil, missing("property_id")
	case w.OwnerName == nil:
		return nil, missing("owner_name")
	case w.Address == nil:
		return nil, missing("address")
	case w.Address.Street == nil:
		return nil, missing("address.street")
	case w.Address.City == nil:
		return nil, missing("address.city")
	case w.Address.State == nil:
		return nil, missing("address.state")
	case w.Address.Zip == nil:
		return nil, missing("address.zip")
	case w.AssessedValue == nil:
		return nil, missing("assessed_value")
	case w.LocationCode == nil:
		return nil, missing("location_code")
	case w.IsOverdue == nil:
		return nil, missing("is_overdue")
	}

	return &PropertyRecord{
		PropertyID: *w.PropertyID,
		OwnerName:  *w.OwnerName,
		Address: Address{
			Street: *w.Address.Street,
			City:   *w.Address.City,
			State:  *w.Address.State,
			Zip:    *w.Address.Zip,
		},
		AssessedValue:   *w.AssessedValue,
		LocationCode:    *w.LocationCode,
		IsOverdue:       *w.IsOverdue,
		LastPaymentUnix: w.LastPaymentUnix,
	}, nil
}
