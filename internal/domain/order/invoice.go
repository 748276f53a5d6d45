package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/address"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/payment"
)

// InvoiceLine is one billed line.
type InvoiceLine struct {
	Description string
	ProductID   string
	Quantity    int
	UnitPrice   decimal.Decimal
	Amount      decimal.Decimal
}

// InvoiceData is everything needed to render an invoice for an order.
type InvoiceData struct {
	InvoiceNumber    string
	OrderNumber      string
	IssuedAt         time.Time
	Customer         address.Customer
	BillTo           address.Address
	ShipTo           address.Address
	Lines            []InvoiceLine
	Subtotal         decimal.Decimal
	Shipping         decimal.Decimal
	Tax              decimal.Decimal
	TaxRate          decimal.Decimal
	Discounts        []coupon.Application
	TotalDiscount    decimal.Decimal
	Total            decimal.Decimal
	Currency         string
	PaymentMethod    payment.Method
	PaymentStatus    PaymentStatus
	PaymentReference string
}

// Invoice returns invoice data for an order owned by userID.
func (s *Service) Invoice(ctx context.Context, id, userID string) (*InvoiceData, error) {
	o, err := s.GetForUser(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	return NewInvoice(o), nil
}

// NewInvoice derives invoice data from o.
func NewInvoice(o *Order) *InvoiceData {
	lines := make([]InvoiceLine, 0, len(o.Items))
	for _, it := range o.Items {
		lines = append(lines, InvoiceLine{
			Description: describe(it),
			ProductID:   it.ProductID,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			Amount:      it.LineTotal,
		})
	}

	billTo := o.BillingAddress
	if billTo.IsZero() {
		billTo = o.ShippingAddress
	}

	return &InvoiceData{
		InvoiceNumber:    "INV-" + strings.TrimPrefix(o.OrderNumber, "ORD-"),
		OrderNumber:      o.OrderNumber,
		IssuedAt:         o.CreatedAt,
		Customer:         o.Customer,
		BillTo:           billTo,
		ShipTo:           o.ShippingAddress,
		Lines:            lines,
		Subtotal:         o.Subtotal,
		Shipping:         o.ShippingCost,
		Tax:              o.Tax,
		TaxRate:          o.TaxRate,
		Discounts:        o.AppliedCoupons,
		TotalDiscount:    o.TotalDiscount,
		Total:            o.Total,
		Currency:         o.Currency,
		PaymentMethod:    o.PaymentMethod,
		PaymentStatus:    o.PaymentStatus,
		PaymentReference: o.PaymentDetails.PaymentID,
	}
}

func describe(it Item) string {
	var variant []string
	if it.Size != "" {
		variant = append(variant, it.Size)
	}
	if it.Color != "" {
		variant = append(variant, it.Color)
	}
	if len(variant) == 0 {
		return it.Name
	}
	return fmt.Sprintf("%s (%s)", it.Name, strings.Join(variant, ", "))
}
