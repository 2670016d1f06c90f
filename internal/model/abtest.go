package model

import "time"

// ABVariant is one candidate description in an A/B test
type ABVariant struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ABTest rotates a product description through a set of variants
type ABTest struct {
	ID            string      `json:"id"`
	OwnerID       string      `json:"owner_id"`
	ProductID     int64       `json:"product_id"`
	Variants      []ABVariant `json:"variants"`
	ActiveVariant int         `json:"active_variant"`
	RotatedAt     *time.Time  `json:"rotated_at,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// Active returns the currently applied variant
func (t *ABTest) Active() ABVariant {
	if len(t.Variants) == 0 {
		return ABVariant{}
	}
	return t.Variants[t.ActiveVariant%len(t.Variants)]
}
