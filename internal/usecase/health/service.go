package health

import (
	"context"

	"github.com/kailas-cloud/fusion/internal/metadata"
)

// Status represents the aggregated health status.
type Status string

const (
	// Healthy indicates all components are operational.
	Healthy Status = "ok"
	// Degraded indicates the database is up but some collections are not ready.
	Degraded Status = "degraded"
	// Unhealthy indicates the database is unreachable.
	Unhealthy Status = "error"
)

// CheckResult represents an individual component health check outcome.
type CheckResult string

const (
	// CheckOK indicates a passing health check.
	CheckOK CheckResult = "ok"
	// CheckPending indicates a component that is still starting.
	CheckPending CheckResult = "pending"
	// CheckError indicates a failing health check.
	CheckError CheckResult = "error"
)

// Report aggregates health check results.
type Report struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// Service coordinates health checks.
type Service struct {
	db     DBPinger
	tables TableLister
}

// New creates a Service. tables can be nil.
func New(db DBPinger, tables TableLister) *Service {
	return &Service{db: db, tables: tables}
}

// Check pings the database and reports the readiness of every collection.
func (s *Service) Check(ctx context.Context) Report {
	checks := make(map[string]CheckResult)

	dbOK := s.db.Ping(ctx) == nil
	if dbOK {
		checks["database"] = CheckOK
	} else {
		checks["database"] = CheckError
	}

	collections := CheckOK
	if s.tables != nil {
		for _, name := range s.tables.Tables() {
			t, err := s.tables.Table(ctx, name)
			if err != nil {
				continue
			}
			state, _ := t.State()
			switch state {
			case metadata.Failed:
				collections = CheckError
			case metadata.Pending:
				if collections == CheckOK {
					collections = CheckPending
				}
			}
		}
	}
	checks["collections"] = collections

	status := Healthy
	switch {
	case !dbOK:
		status = Unhealthy
	case collections != CheckOK:
		status = Degraded
	}
	return Report{Status: status, Checks: checks}
}
