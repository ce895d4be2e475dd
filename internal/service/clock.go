package service

import "time"

// Timer is the part of *time.Timer the session needs
type Timer interface {
	Stop() bool
}

// Clock abstracts time so expiry and presence can be tested without sleeps
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

// SystemClock is the wall clock
var SystemClock Clock = realClock{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
