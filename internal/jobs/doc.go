// Package jobs runs named handlers on top of a durable broker queue.
//
// The scheduler never blocks startup on the broker: Start dials in the
// background and, until a dial succeeds, the scheduler is degraded.
// In that state AddCron logs and does nothing, AddDelayed/AddRepeating
// return ErrSchedulerUnavailable and Remove is a silent no-op.
//
// Handlers are looked up by job name when the broker fires a job. Job
// bookkeeping is local to the process; the broker is the source of truth.
package jobs
