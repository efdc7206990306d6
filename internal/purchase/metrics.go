package purchase

// Metrics receives saga counters. observability.Metrics implements it.
type Metrics interface {
	RecordTransition(from, to State)
	RecordRetry(cmd CommandType)
	RecordDispatchFailure(cmd CommandType, class FailureClass)
	RecordCompensation()
	RecordNotificationFailure()
}

type nopMetrics struct{}

func (nopMetrics) RecordTransition(State, State)                   {}
func (nopMetrics) RecordRetry(CommandType)                         {}
func (nopMetrics) RecordDispatchFailure(CommandType, FailureClass) {}
func (nopMetrics) RecordCompensation()                             {}
func (nopMetrics) RecordNotificationFailure()                      {}
