// Package scheduler runs the periodic billing jobs on cron schedules:
// processing due billing cycles, flagging overdue invoices, retrying failed
// cycles and rendering missing invoice documents.
//
//	sched := scheduler.New(logger, scheduler.WithJobTimeout(30*time.Minute))
//	for _, job := range scheduler.BillingJobs(schedules, orchestrator, generator, 100, logger) {
//	    if err := sched.Register(job); err != nil {
//	        return err
//	    }
//	}
//	sched.Start()
//	defer sched.Stop(ctx)
//
// Tick runs a single job immediately, which is how one-off runs from the
// command line are served.
package scheduler
