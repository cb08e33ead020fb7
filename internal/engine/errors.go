package engine

import "errors"

var (
	ErrNoFutureRun         = errors.New("schedule has no future run")
	ErrStopped             = errors.New("engine stopped")
	ErrAlreadyExists       = errors.New("automation already exists")
	ErrNoRunningExecution  = errors.New("no running execution")
	ErrUnknownAction       = errors.New("unknown control action")
	ErrUnknownTestMode     = errors.New("unknown test mode")
	ErrNothingToTest       = errors.New("automation has no test audience")
	errAllTestSendsFailed  = errors.New("every test send failed")
	errCancelledByOperator = errors.New("cancelled by operator")
	errEmergencyStop       = errors.New("emergency stop")
	errShutdown            = errors.New("engine shutting down")
)
