package mount

// ProgressSink receives human-readable progress messages while a mount is
// being started, so that a possibly-remote caller can see what the handler
// is waiting on. A nil sink is a legal no-op target.
type ProgressSink func(message string)

// Notify forwards message to the sink, if there is one.
func (s ProgressSink) Notify(message string) {
	if s != nil {
		s(message)
	}
}
