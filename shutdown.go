package brokerkit

// ShutdownOrchestrator sequences a coordinated shutdown across one Consumer
// and zero-or-more Producers: Consumer first, then Producers, then an
// optional user callback, then the ConnectionCore reset. See spec.md §4.8.
type ShutdownOrchestrator struct {
	URI        string
	Consumer   *Consumer
	Producers  []*Producer
	OnShutdown func() error
}

// ShutdownReport aggregates every component's ShutdownResult.
type ShutdownReport struct {
	Consumer  *ShutdownResult
	Producers []ShutdownResult
}

// Shutdown runs the sequence described in spec.md §4.8. A user-callback
// error propagates to the caller unchanged; the orchestrator does not
// swallow it, and ConnectionCore reset still runs afterward regardless.
func (o *ShutdownOrchestrator) Shutdown(opts ShutdownOptions) (ShutdownReport, error) {
	var report ShutdownReport

	if o.Consumer != nil {
		res := o.Consumer.Shutdown(opts)
		report.Consumer = &res
	}

	for _, p := range o.Producers {
		res := p.Shutdown(opts)
		report.Producers = append(report.Producers, res)
	}

	var callbackErr error
	if o.OnShutdown != nil {
		callbackErr = o.OnShutdown()
	}

	// Reset runs even if callbackErr is set: a failed user callback must not
	// leave a stale ConnectionCore registered for the next caller of
	// GetConnectionCore(o.URI).
	if o.URI != "" {
		_ = ResetConnectionCore(o.URI)
	}

	return report, callbackErr
}
