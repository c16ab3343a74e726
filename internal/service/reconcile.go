package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mastermcphill/fliptrybe-sub001/internal/store"
)

// Drift is one wallet whose stored balance disagrees with its replayed
// entry history beyond the tolerance.
type Drift struct {
	WalletID      int64 `json:"wallet_id"`
	StoredMinor   int64 `json:"stored_minor"`
	ComputedMinor int64 `json:"computed_minor"`
	DeltaMinor    int64 `json:"delta_minor"`
}

// ReconcileReport summarizes one read-only reconciliation run.
type ReconcileReport struct {
	RunID          string    `json:"run_id"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	WalletsChecked int       `json:"wallets_checked"`
	Drifts         []Drift   `json:"drifts,omitempty"`
}

// ReconcileJob replays every wallet's signed transaction history and
// compares the recomputed balance to the stored one. Drift is reported,
// never auto-healed: correction is a manual, administrative act.
type ReconcileJob struct {
	wallets        store.WalletStore
	reports        store.ReportStore
	toleranceMinor int64
	log            *slog.Logger
}

// NewReconcileJob builds the job. reports may be nil when persistence of
// the summary is not wanted.
func NewReconcileJob(wallets store.WalletStore, reports store.ReportStore, toleranceMinor int64, log *slog.Logger) *ReconcileJob {
	return &ReconcileJob{wallets: wallets, reports: reports, toleranceMinor: toleranceMinor, log: log}
}

func (j *ReconcileJob) Run(ctx context.Context) (ReconcileReport, error) {
	report := ReconcileReport{RunID: uuid.NewString(), StartedAt: time.Now().UTC()}

	wallets, err := j.wallets.ListWallets(ctx)
	if err != nil {
		return ReconcileReport{}, err
	}

	for _, w := range wallets {
		entries, err := j.wallets.ListEntries(ctx, w.ID)
		if err != nil {
			return ReconcileReport{}, err
		}
		var computed int64
		for _, e := range entries {
			computed += e.AmountMinor
		}
		report.WalletsChecked++

		delta := w.BalanceMinor - computed
		if delta > j.toleranceMinor || delta < -j.toleranceMinor {
			report.Drifts = append(report.Drifts, Drift{
				WalletID:      w.ID,
				StoredMinor:   w.BalanceMinor,
				ComputedMinor: computed,
				DeltaMinor:    delta,
			})
			j.log.WarnContext(ctx, "wallet balance drift",
				"wallet_id", w.ID,
				"stored_minor", w.BalanceMinor,
				"computed_minor", computed,
				"delta_minor", delta,
			)
		}
	}
	report.FinishedAt = time.Now().UTC()

	j.persist(ctx, report)

	j.log.InfoContext(ctx, "reconciliation run finished",
		"run_id", report.RunID,
		"wallets_checked", report.WalletsChecked,
		"drift_count", len(report.Drifts),
	)
	return report, nil
}

// persist is best-effort: a failed audit write must not discard the
// in-memory report the operator asked for.
func (j *ReconcileJob) persist(ctx context.Context, report ReconcileReport) {
	if j.reports == nil {
		return
	}
	body, err := json.Marshal(report)
	if err != nil {
		j.log.ErrorContext(ctx, "reconciliation report marshal failed", "run_id", report.RunID, "error", err)
		return
	}
	if err := j.reports.SaveReconciliationReport(ctx, report.RunID, body); err != nil {
		j.log.ErrorContext(ctx, "reconciliation report store failed", "run_id", report.RunID, "error", err)
	}
}
