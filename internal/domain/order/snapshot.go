package order

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
)

// EncodeSnapshot serializes the order for idempotent replay and audit
// entries. Money is written as decimal strings so no precision is lost.
func EncodeSnapshot(o *Order) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("id")
	e.Str(o.ID)
	e.FieldStart("order_no")
	e.Str(o.Number)
	e.FieldStart("status")
	e.Str(string(o.Status))
	e.FieldStart("channel")
	e.Str(string(o.Channel))
	e.FieldStart("subtotal")
	e.Str(o.Subtotal.StringFixed(2))
	e.FieldStart("discount_amount")
	e.Str(o.DiscountAmount.StringFixed(2))
	e.FieldStart("shipping_amount")
	e.Str(o.ShippingAmount.StringFixed(2))
	e.FieldStart("total_amount")
	e.Str(o.TotalAmount.StringFixed(2))
	if o.CouponCode != "" {
		e.FieldStart("coupon_code")
		e.Str(o.CouponCode)
	}
	if o.Actor != "" {
		e.FieldStart("actor")
		e.Str(o.Actor)
	}
	if o.CustomerRef != "" {
		e.FieldStart("customer_ref")
		e.Str(o.CustomerRef)
	}
	if o.Delivery != nil {
		e.FieldStart("delivery")
		encodeDelivery(&e, o.Delivery)
	}
	e.FieldStart("created_at")
	e.Str(o.CreatedAt.UTC().Format(time.RFC3339Nano))
	e.FieldStart("items")
	e.ArrStart()
	for _, it := range o.Items {
		e.ObjStart()
		e.FieldStart("product_id")
		e.Str(it.ProductID)
		e.FieldStart("quantity")
		e.Int(it.Quantity)
		e.FieldStart("unit_price")
		e.Str(it.UnitPrice.String())
		e.FieldStart("subtotal")
		e.Str(it.Subtotal.String())
		e.ObjEnd()
	}
	e.ArrEnd()
	e.ObjEnd()
	return e.Bytes()
}

func encodeDelivery(e *jx.Encoder, d *Delivery) {
	e.ObjStart()
	e.FieldStart("recipient")
	e.Str(d.Recipient)
	e.FieldStart("phone")
	e.Str(d.Phone)
	e.FieldStart("address")
	e.Str(d.Address)
	e.FieldStart("notes")
	e.Str(d.Notes)
	e.ObjEnd()
}

// DecodeSnapshot restores an order written by EncodeSnapshot.
func DecodeSnapshot(data []byte) (*Order, error) {
	var o Order
	d := jx.DecodeBytes(data)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "id":
			return decodeStr(d, &o.ID)
		case "order_no":
			return decodeStr(d, &o.Number)
		case "status":
			s, err := d.Str()
			o.Status = Status(s)
			return err
		case "channel":
			s, err := d.Str()
			o.Channel = Channel(s)
			return err
		case "subtotal":
			return decodeDecimal(d, &o.Subtotal)
		case "discount_amount":
			return decodeDecimal(d, &o.DiscountAmount)
		case "shipping_amount":
			return decodeDecimal(d, &o.ShippingAmount)
		case "total_amount":
			return decodeDecimal(d, &o.TotalAmount)
		case "coupon_code":
			return decodeStr(d, &o.CouponCode)
		case "actor":
			return decodeStr(d, &o.Actor)
		case "customer_ref":
			return decodeStr(d, &o.CustomerRef)
		case "delivery":
			if d.Next() == jx.Null {
				return d.Null()
			}
			o.Delivery = &Delivery{}
			return decodeDelivery(d, o.Delivery)
		case "created_at":
			s, err := d.Str()
			if err != nil {
				return err
			}
			o.CreatedAt, err = time.Parse(time.RFC3339Nano, s)
			return err
		case "items":
			return d.Arr(func(d *jx.Decoder) error {
				it, err := decodeLineItem(d)
				if err != nil {
					return err
				}
				o.Items = append(o.Items, it)
				return nil
			})
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode order snapshot")
	}
	return &o, nil
}

func decodeLineItem(d *jx.Decoder) (LineItem, error) {
	var it LineItem
	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "product_id":
			return decodeStr(d, &it.ProductID)
		case "quantity":
			n, err := d.Int()
			it.Quantity = n
			return err
		case "unit_price":
			return decodeDecimal(d, &it.UnitPrice)
		case "subtotal":
			return decodeDecimal(d, &it.Subtotal)
		default:
			return d.Skip()
		}
	})
	return it, err
}

func decodeDelivery(d *jx.Decoder, out *Delivery) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "recipient":
			return decodeStr(d, &out.Recipient)
		case "phone":
			return decodeStr(d, &out.Phone)
		case "address":
			return decodeStr(d, &out.Address)
		case "notes":
			return decodeStr(d, &out.Notes)
		default:
			return d.Skip()
		}
	})
}

func decodeStr(d *jx.Decoder, out *string) error {
	s, err := d.Str()
	if err != nil {
		return err
	}
	*out = s
	return nil
}

func decodeDecimal(d *jx.Decoder, out *decimal.Decimal) error {
	s, err := d.Str()
	if err != nil {
		return err
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return errors.Wrapf(err, "parse decimal %q", s)
	}
	*out = v
	return nil
}
