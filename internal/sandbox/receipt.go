package sandbox

import (
	"fmt"
	"strings"

	"github.com/noah-isme/errand-pay/internal/pricing"
)

const receiptRule = "=================================================="

// renderReceipt writes the plain text receipt of a payment. Task payments break the
// total down into the task price and the service fee.
func renderReceipt(p Payment, task Task, calc pricing.Calculator) string {
	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format+"\n", args...)
	}

	line("ERRANDEXPRESS PAYMENT RECEIPT")
	line(receiptRule)
	line("")
	line("Receipt Number: %s", p.ID)
	line("Date: %s", p.CreatedAt.Format("January 02, 2006 03:04 PM"))
	line("")
	line("TRANSACTION DETAILS")
	line(receiptRule)
	line("Task: %s", task.Title)
	line("Location: %s", task.Location)
	line("")
	line("PAYMENT INFORMATION")
	line(receiptRule)
	if p.Kind == KindTask {
		if q, err := calc.Quote(task.Price); err == nil && q.Total.Equal(p.Amount) {
			line("Task Price: %s", pricing.Format(q.Price))
			line("Service Fee: %s", pricing.Format(q.ServiceFee))
		}
	}
	line("Amount: %s", pricing.Format(p.Amount))
	line("Method: %s", methodDisplay(p.Method))
	line("Status: %s", statusDisplay(p.Status))
	line("Reference: %s", orNA(p.Reference))
	line("PayMongo ID: %s", orNA(p.SourceID))
	line("")
	line(receiptRule)
	line("This is an automated receipt. Please keep for your records.")
	return b.String()
}

func methodDisplay(method string) string {
	switch method {
	case "gcash":
		return "GCash"
	case "card":
		return "Credit/Debit Card"
	case "cod":
		return "Cash on Delivery"
	default:
		return method
	}
}
