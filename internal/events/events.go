// Package events publishes post-commit audit entries and customer
// notifications.
package events

import (
	"encoding/base64"
	"time"

	"github.com/go-faster/jx"

	"github.com/xenking/omnicart/internal/domain/checkout"
)

// EncodeAudit encodes an audit entry. Snapshots are embedded as raw JSON when
// valid, base64 otherwise.
func EncodeAudit(a checkout.AuditEntry) []byte {
	var e jx.Encoder

	e.ObjStart()
	e.FieldStart("tenant_id")
	e.Str(a.TenantID.String())
	e.FieldStart("actor")
	e.Str(a.Actor)
	e.FieldStart("entity")
	e.Str(a.Entity)
	e.FieldStart("entity_id")
	e.Str(a.EntityID)
	e.FieldStart("action")
	e.Str(a.Action)
	encodeSnapshot(&e, "before", a.Before)
	encodeSnapshot(&e, "after", a.After)
	e.FieldStart("at")
	e.Str(a.At.UTC().Format(time.RFC3339Nano))
	e.ObjEnd()

	return e.Bytes()
}

func encodeSnapshot(e *jx.Encoder, field string, raw []byte) {
	if len(raw) == 0 {
		return
	}
	e.FieldStart(field)
	if jx.Valid(raw) {
		e.Raw(raw)
		return
	}
	e.Str(base64.StdEncoding.EncodeToString(raw))
}

// EncodeNotification encodes a customer notification.
func EncodeNotification(n checkout.Notification) []byte {
	var e jx.Encoder

	e.ObjStart()
	e.FieldStart("tenant_id")
	e.Str(n.TenantID.String())
	e.FieldStart("order_id")
	e.Str(n.OrderID)
	e.FieldStart("order_number")
	e.Str(n.OrderNumber)
	if n.CustomerRef != "" {
		e.FieldStart("customer_ref")
		e.Str(n.CustomerRef)
	}
	e.FieldStart("channel")
	e.Str(string(n.Channel))
	e.FieldStart("transition")
	e.Str(n.Transition)
	e.FieldStart("status")
	e.Str(string(n.Status))
	e.FieldStart("total")
	e.Str(n.Total)
	e.ObjEnd()

	return e.Bytes()
}
