package sale

import "github.com/gearloop/marketplace/internal/models"

// transitions lists every legal status change. Completed and cancelled are terminal.
var transitions = map[models.SaleStatus][]models.SaleStatus{
	models.SaleStatusPending: {models.SaleStatusCompleted, models.SaleStatusCancelled},
}

// CanTransition reports whether a sale may move from one status to another
func CanTransition(from, to models.SaleStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
