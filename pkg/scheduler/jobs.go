package scheduler

import (
	"context"
	"time"

	"github.com/platinummonkey/callmeter/pkg/cycle"
	"github.com/sirupsen/logrus"
)

// CycleRunner runs the billing cycle batches
type CycleRunner interface {
	ProcessBillingCycles(ctx context.Context, now time.Time) (cycle.BatchResult, error)
	RetryFailedBillingCycles(ctx context.Context, now time.Time) (cycle.BatchResult, error)
	HandleOverdueInvoices(ctx context.Context, now time.Time) (int64, error)
}

// PDFBackfiller renders documents for invoices that lack one
type PDFBackfiller interface {
	BackfillMissingPDFs(ctx context.Context, now time.Time, limit int) (int, error)
}

// Schedules holds one cron expression per billing job. An empty expression
// leaves the job out.
type Schedules struct {
	ProcessCycles string
	HandleOverdue string
	RetryFailed   string
	BackfillPDFs  string
}

// BillingJobs builds the standard job set. pdfs may be nil when invoice
// documents are disabled.
func BillingJobs(schedules Schedules, cycles CycleRunner, pdfs PDFBackfiller, backfillLimit int, log logrus.FieldLogger) []Job {
	if log == nil {
		log = logrus.New()
	}

	var jobs []Job
	if schedules.ProcessCycles != "" {
		jobs = append(jobs, Job{
			Name:     JobProcessCycles,
			Schedule: schedules.ProcessCycles,
			Run: func(ctx context.Context, now time.Time) error {
				res, err := cycles.ProcessBillingCycles(ctx, now)
				logBatch(log, JobProcessCycles, res)
				return err
			},
		})
	}
	if schedules.HandleOverdue != "" {
		jobs = append(jobs, Job{
			Name:     JobHandleOverdue,
			Schedule: schedules.HandleOverdue,
			Run: func(ctx context.Context, now time.Time) error {
				n, err := cycles.HandleOverdueInvoices(ctx, now)
				log.WithFields(logrus.Fields{"job": JobHandleOverdue, "marked": n}).Info("Overdue invoices handled")
				return err
			},
		})
	}
	if schedules.RetryFailed != "" {
		jobs = append(jobs, Job{
			Name:     JobRetryFailed,
			Schedule: schedules.RetryFailed,
			Run: func(ctx context.Context, now time.Time) error {
				res, err := cycles.RetryFailedBillingCycles(ctx, now)
				logBatch(log, JobRetryFailed, res)
				return err
			},
		})
	}
	if schedules.BackfillPDFs != "" && pdfs != nil {
		jobs = append(jobs, Job{
			Name:     JobBackfillPDFs,
			Schedule: schedules.BackfillPDFs,
			Run: func(ctx context.Context, now time.Time) error {
				n, err := pdfs.BackfillMissingPDFs(ctx, now, backfillLimit)
				log.WithFields(logrus.Fields{"job": JobBackfillPDFs, "rendered": n}).Info("Invoice documents backfilled")
				return err
			},
		})
	}
	return jobs
}

func logBatch(log logrus.FieldLogger, job string, res cycle.BatchResult) {
	log.WithFields(logrus.Fields{
		"job":       job,
		"processed": res.Processed,
		"failed":    res.Failed,
	}).Info("Billing batch finished")
}
