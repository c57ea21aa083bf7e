package progress

import (
	"math"

	"github.com/konveksi/konveksi/internal/orders"
)

// Percentage returns round(100*completed/ordered), or 0 when nothing was ordered.
func Percentage(completed, ordered int) int {
	if ordered <= 0 {
		return 0
	}
	return int(math.Round(100 * float64(completed) / float64(ordered)))
}

// LineItemCompletionOf derives the completion of a line item from the sum of
// its progress entries. The cached CompletedQty on item is ignored.
func LineItemCompletionOf(item orders.LineItem, completed int) LineItemCompletion {
	return LineItemCompletion{
		LineItemID:  item.ID,
		ProductID:   item.ProductID,
		ProductName: item.ProductName,
		Completed:   completed,
		Ordered:     item.OrderedQty,
		Remaining:   item.Remaining(completed),
		Percentage:  Percentage(completed, item.OrderedQty),
		IsComplete:  completed >= item.OrderedQty,
	}
}

// OrderCompletionOf derives order completion from its line items and the
// per line item entry sums in totals.
func OrderCompletionOf(order orders.Order, items []orders.LineItem, totals map[int64]int) OrderCompletion {
	out := OrderCompletion{
		OrderID:  order.ID,
		OrderNo:  order.Number,
		Status:   order.Status,
		Products: make([]LineItemCompletion, 0, len(items)),
	}
	complete := len(items) > 0
	for _, item := range items {
		c := LineItemCompletionOf(item, totals[item.ID])
		out.Products = append(out.Products, c)
		out.TotalOrdered += c.Ordered
		out.TotalCompleted += c.Completed
		complete = complete && c.IsComplete
	}
	out.Percentage = Percentage(out.TotalCompleted, out.TotalOrdered)
	out.IsOrderComplete = complete
	return out
}

// aggregateOf is the state machine input for an order snapshot.
func aggregateOf(c OrderCompletion, piecesRecorded bool) orders.Aggregate {
	return orders.Aggregate{
		Ordered:        c.TotalOrdered,
		Completed:      c.TotalCompleted,
		PiecesRecorded: piecesRecorded,
	}
}
