package models

import (
	"time"

	"gorm.io/datatypes"
)

// Order is a sale recorded by a device. (DeviceID, LocalRef) identifies it
// across replays.
type Order struct {
	ID              uint        `gorm:"primaryKey" json:"id"`
	DeviceID        string      `gorm:"size:64;not null;uniqueIndex:idx_order_device_ref,priority:1" json:"device_id"`
	LocalRef        string      `gorm:"size:128;not null;uniqueIndex:idx_order_device_ref,priority:2" json:"local_ref"`
	TotalPrice      float64     `json:"total_price"`
	Currency        string      `gorm:"size:8" json:"currency"`
	PaymentMethod   string      `gorm:"size:32" json:"payment_method"`
	PaymentStatus   string      `gorm:"size:32" json:"payment_status"`
	DeviceCreatedAt time.Time   `json:"device_created_at"`
	CreatedAt       time.Time   `json:"created_at"`
	Items           []OrderItem `gorm:"foreignKey:OrderID" json:"items"`
}

type OrderItem struct {
	ID        uint           `gorm:"primaryKey" json:"-"`
	OrderID   uint           `gorm:"index" json:"-"`
	ProductID string         `gorm:"size:64" json:"product_id"`
	Name      string         `gorm:"size:255" json:"name"`
	Qty       int            `json:"qty"`
	UnitPrice float64        `json:"unit_price"`
	Materials datatypes.JSON `json:"materials,omitempty"`
}
