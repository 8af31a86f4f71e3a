package service

const (
	// Dashboard chart window
	ChartDays = 56

	// Unit conversions
	MetersPerKilometer = 1000.0
	MetersPerMile      = 1609.34

	// Interval between queued refresh sweeps in serve mode, seconds
	RefreshSweepSeconds = 30
)
