package domain

// InventoryPayload is carried by inventory-events. Lines lists the products
// that were reserved, or the ones that could not be.
type InventoryPayload struct {
	Lines  []InventoryLine `json:"lines,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

type InventoryLine struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	Available int    `json:"available,omitempty"`
}
