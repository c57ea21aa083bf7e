package progress

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/konveksi/konveksi/internal/materials"
	"github.com/konveksi/konveksi/internal/shared"
)

// Submission is the API level shape of a progress report. Both variants are
// normalised into []ProductSubmission before they reach the coordinator.
type Submission interface {
	kind() Kind
	normalize(snapshot OrderCompletion) ([]ProductSubmission, error)
}

// PerProductSubmission reports pieces per line item.
type PerProductSubmission struct {
	Items []ProductSubmission
}

func (PerProductSubmission) kind() Kind { return KindIndividual }

func (s PerProductSubmission) normalize(OrderCompletion) ([]ProductSubmission, error) {
	return s.Items, nil
}

// AggregatedSubmission reports a piece total for the whole order. Pieces are
// spread over line items in order, filling each up to its remaining quantity.
type AggregatedSubmission struct {
	Pieces       int
	FabricUsed   decimal.Decimal
	QualityScore *int
	Notes        string
	Challenges   string
	Photos       []Photo
}

func (AggregatedSubmission) kind() Kind { return KindAggregated }

func (s AggregatedSubmission) normalize(snapshot OrderCompletion) ([]ProductSubmission, error) {
	if s.Pieces < 0 {
		return nil, shared.NewValidationError("pieces", "must be >= 0")
	}
	if s.FabricUsed.IsNegative() {
		return nil, shared.NewValidationError("fabric_used", "must be >= 0")
	}
	if err := materials.CheckQuantity("fabric_used", s.FabricUsed); err != nil {
		return nil, err
	}
	if s.Pieces == 0 && !s.FabricUsed.IsPositive() {
		return nil, shared.NewValidationError("pieces", "pieces or fabric_used required")
	}
	if len(snapshot.Products) == 0 {
		return nil, shared.NewValidationError("order", "order has no line items")
	}
	remainingTotal := snapshot.TotalOrdered - snapshot.TotalCompleted
	if s.Pieces > remainingTotal {
		return nil, &QuantityExceededError{Requested: s.Pieces, Remaining: max(remainingTotal, 0)}
	}

	left := s.Pieces
	var out []ProductSubmission
	for _, p := range snapshot.Products {
		if left == 0 {
			break
		}
		take := min(left, p.Remaining)
		if take == 0 {
			continue
		}
		out = append(out, ProductSubmission{LineItemID: p.LineItemID, Pieces: take})
		left -= take
	}
	if len(out) == 0 {
		out = append(out, ProductSubmission{LineItemID: snapshot.Products[0].LineItemID})
	}
	first := &out[0]
	first.FabricUsed = s.FabricUsed
	first.QualityScore = s.QualityScore
	first.Notes = s.Notes
	first.Challenges = s.Challenges
	first.Photos = s.Photos
	return out, nil
}

// validateItems checks the shape of a batch before any lookup.
func validateItems(items []ProductSubmission) error {
	if len(items) == 0 {
		return shared.NewValidationError("items", "at least one item required")
	}
	seen := make(map[int64]struct{}, len(items))
	for i, it := range items {
		field := func(name string) string { return fmt.Sprintf("items[%d].%s", i, name) }
		if it.LineItemID <= 0 {
			return shared.NewValidationError(field("line_item_id"), "must be positive")
		}
		if _, dup := seen[it.LineItemID]; dup {
			return shared.NewValidationError(field("line_item_id"), "line item repeated in batch")
		}
		seen[it.LineItemID] = struct{}{}
		if it.Pieces < 0 {
			return shared.NewValidationError(field("pieces"), "must be >= 0")
		}
		if it.FabricUsed.IsNegative() {
			return shared.NewValidationError(field("fabric_used"), "must be >= 0")
		}
		if err := materials.CheckQuantity(field("fabric_used"), it.FabricUsed); err != nil {
			return err
		}
		if it.Pieces == 0 && it.FabricUsed.IsZero() {
			return shared.NewValidationError(field("pieces"), "pieces or fabric_used required")
		}
		if it.QualityScore != nil && (*it.QualityScore < 0 || *it.QualityScore > 100) {
			return shared.NewValidationError(field("quality_score"), "must be between 0 and 100")
		}
		if len(it.Photos) > MaxPhotos {
			return shared.NewValidationError(field("photos"), fmt.Sprintf("at most %d photos", MaxPhotos))
		}
		for j, ph := range it.Photos {
			if strings.TrimSpace(ph.URL) == "" {
				return shared.NewValidationError(fmt.Sprintf("items[%d].photos[%d].url", i, j), "required")
			}
		}
	}
	return nil
}
