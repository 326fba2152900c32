package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/cashpoint/posync/internal/schema"
	"github.com/cashpoint/posync/internal/store/db"
	"github.com/cashpoint/posync/internal/ui"
)

var orderCmd = &cobra.Command{
	Use:     "order",
	GroupID: "register",
	Short:   "Create, settle and list orders",
}

var orderNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Ring up an order",
	Long: `Create an order from catalog products and save it as a draft, or
settle it immediately with --pay.

Examples:
  posd order new --item prd_coffee:2 --item prd_croissant
  posd order new --item prd_coffee --pay cash --amount 5
  posd order new --item prd_lunch:3 --discount 2.50 --table T4`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		items, _ := cmd.Flags().GetStringArray("item")
		customer, _ := cmd.Flags().GetString("customer")
		tableID, _ := cmd.Flags().GetString("table")
		discount, _ := cmd.Flags().GetString("discount")
		pay, _ := cmd.Flags().GetString("pay")
		amount, _ := cmd.Flags().GetString("amount")

		if len(items) == 0 {
			return fmt.Errorf("at least one --item is required")
		}

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		o, err := a.orders.NewDraft(ctx, a.cfg.StoreID)
		if err != nil {
			return err
		}
		for _, item := range items {
			productID, qty, err := parseItem(item)
			if err != nil {
				return err
			}
			p, err := db.Get[schema.Product](ctx, a.store, productID)
			if err != nil {
				return fmt.Errorf("product %s: %w", productID, err)
			}
			if _, err := o.AddItem(p, qty); err != nil {
				return err
			}
		}
		if customer != "" {
			if err := o.SetCustomer(customer); err != nil {
				return err
			}
		}
		if tableID != "" {
			if err := o.SetTable(tableID); err != nil {
				return err
			}
		}
		if discount != "" {
			d, err := parseMoney("discount", discount)
			if err != nil {
				return err
			}
			if err := o.SetDiscount(d); err != nil {
				return err
			}
		}

		if pay == "" {
			if err := a.orders.SaveDraft(ctx, o); err != nil {
				return err
			}
			fmt.Printf("%s Draft order #%d saved (%s)\n", ui.RenderPass("✓"), o.OrderNumber, ui.Money(o.Total))
			fmt.Printf("   ID: %s\n", o.ID)
			return nil
		}
		return settle(cmd, a, o, pay, amount)
	},
}

var orderPayCmd = &cobra.Command{
	Use:   "pay ORDER_ID",
	Short: "Settle a draft order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		method, _ := cmd.Flags().GetString("method")
		amount, _ := cmd.Flags().GetString("amount")

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		o, err := a.orders.Load(ctx, args[0])
		if err != nil {
			return err
		}
		return settle(cmd, a, o, method, amount)
	},
}

// settle marks o as paid. The amount defaults to the exact total.
func settle(cmd *cobra.Command, a *app, o *schema.Order, method, amount string) error {
	m, err := parsePaymentMethod(method)
	if err != nil {
		return err
	}
	paid := o.Total
	if amount != "" {
		if paid, err = parseMoney("amount", amount); err != nil {
			return err
		}
	}
	if err := a.orders.MarkAsPaid(cmd.Context(), o, m, paid); err != nil {
		return err
	}

	fmt.Printf("%s Order #%d paid by %s\n", ui.RenderPass("✓"), o.OrderNumber, o.PaymentMethod)
	fmt.Print(ui.KeyValues([][2]string{
		{"Total", ui.Money(o.Total)},
		{"Paid", ui.MoneyPtr(o.AmountPaid)},
		{"Change", ui.MoneyPtr(o.Change)},
	}))
	return nil
}

var orderCancelCmd = &cobra.Command{
	Use:   "cancel ORDER_ID",
	Short: "Cancel a draft order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		o, err := a.orders.Load(ctx, args[0])
		if err != nil {
			return err
		}
		if err := a.orders.Clear(ctx, o); err != nil {
			return err
		}
		fmt.Printf("%s Order #%d cancelled\n", ui.RenderPass("✓"), o.OrderNumber)
		return nil
	},
}

var orderListCmd = &cobra.Command{
	Use:   "list",
	Short: "List orders",
	Long: `List stored orders, including those pulled from other registers.

--since accepts a duration ("2h"), a date ("2025-03-01") or plain English
("yesterday", "last monday").`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		statusFlag, _ := cmd.Flags().GetString("status")
		since, _ := cmd.Flags().GetString("since")
		limit, _ := cmd.Flags().GetUint64("limit")

		status, err := parseOrderStatus(statusFlag)
		if err != nil {
			return err
		}
		var from time.Time
		if since != "" {
			if from, err = parseSince(since, time.Now()); err != nil {
				return err
			}
		}

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		var orders []*schema.Order
		if since != "" {
			orders, err = a.orders.ListSince(ctx, from, 0)
		} else {
			orders, err = a.orders.ListByStatus(ctx, status)
		}
		if err != nil {
			return err
		}
		orders = filterOrders(orders, status, limit)

		if len(orders) == 0 {
			fmt.Println(ui.RenderMuted("No orders"))
			return nil
		}
		rows := make([][]string, 0, len(orders))
		for _, o := range orders {
			rows = append(rows, []string{
				"#" + strconv.FormatInt(o.OrderNumber, 10),
				o.ID,
				string(o.Status),
				strconv.Itoa(o.ItemCount()),
				ui.Money(o.Total),
				ui.Time(o.UpdatedAt),
				syncLabel(o.SyncStatus),
			})
		}
		fmt.Println(ui.Table([]string{"ORDER", "ID", "STATUS", "ITEMS", "TOTAL", "UPDATED", "SYNC"}, rows))
		return nil
	},
}

// filterOrders keeps the orders with status (all when empty), at most limit
// of them (all when 0).
func filterOrders(orders []*schema.Order, status schema.OrderStatus, limit uint64) []*schema.Order {
	out := orders[:0]
	for _, o := range orders {
		if status != "" && o.Status != status {
			continue
		}
		out = append(out, o)
	}
	if limit > 0 && uint64(len(out)) > limit {
		out = out[:limit]
	}
	return out
}

func init() {
	orderNewCmd.Flags().StringArray("item", nil, "product to add as PRODUCT_ID[:QTY] (repeatable)")
	orderNewCmd.Flags().String("customer", "", "customer id")
	orderNewCmd.Flags().String("table", "", "table id")
	orderNewCmd.Flags().String("discount", "", "discount amount")
	orderNewCmd.Flags().String("pay", "", "settle immediately with this method (cash, card, mixed, credit)")
	orderNewCmd.Flags().String("amount", "", "amount tendered (default: the exact total)")

	orderPayCmd.Flags().String("method", "cash", "payment method (cash, card, mixed, credit)")
	orderPayCmd.Flags().String("amount", "", "amount tendered (default: the exact total)")

	orderListCmd.Flags().String("status", "", "only orders with this status (draft, paid, cancelled)")
	orderListCmd.Flags().String("since", "", "only orders changed since this time")
	orderListCmd.Flags().Uint64("limit", 50, "maximum number of orders (0 = all)")

	orderCmd.AddCommand(orderNewCmd, orderPayCmd, orderCancelCmd, orderListCmd)
	rootCmd.AddCommand(orderCmd)
}
