// Package schema defines the records persisted by the point-of-sale client.
//
// # Overview
//
// Every record carries sync bookkeeping next to its business fields:
//
//	{
//	  "id": "ord_1767225600000_3f9a1c2e",
//	  "server_id": "8812",
//	  "sync_status": "synced",
//	  "updated_at": "2026-01-01T00:00:00Z",
//	  ...
//	}
//
// The id is minted locally when the record is created and never changes. The
// server id is recorded next to it once the backend acknowledges the record;
// foreign keys (order.shift_id, item.order_id) always hold local ids.
//
// # Lifecycles
//
// Orders move draft → paid or draft → cancelled. Shifts move open → closed.
// Both terminal states are final:
//
//	o := schema.NewOrder("store-1")
//	o.AddItem(product, 2)
//	o.SetDiscount(decimal.NewFromInt(1))
//	// o.Total == o.Subtotal - o.Discount + o.Taxes
//
// # Money
//
// Amounts use shopspring/decimal and are rounded to two places whenever
// totals are recomputed.
package schema
