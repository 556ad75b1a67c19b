package ports

import "github.com/ghalamif/fleetlog/internal/domain"

type ReportValidator interface {
	ValidateReport(r *domain.Report) error
}

// DocumentValidator checks the canonical documents before they are published.
type DocumentValidator interface {
	ValidateState(s *domain.State) error
	ValidateMetrics(m *domain.Metrics) error
}
