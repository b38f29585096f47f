package router

import "time"

// settings holds the reliability and processing tunables.
type settings struct {
	ackTimeout        time.Duration
	maxAttempts       int
	deliveryTTL       time.Duration
	processingTimeout time.Duration
}

func defaultSettings() settings {
	return settings{
		ackTimeout:        5 * time.Second,
		maxAttempts:       5,
		deliveryTTL:       60 * time.Second,
		processingTimeout: 30 * time.Second,
	}
}

// Option is a functional configuration type for the Router.
type Option func(*settings)

// WithAckTimeout sets the interval between retransmissions of an unacked
// DELIVER.
func WithAckTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.ackTimeout = d
		}
	}
}

// WithMaxAttempts caps total transmissions per delivery. The initial send
// counts as attempt one.
func WithMaxAttempts(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithDeliveryTTL bounds the total lifetime of a pending delivery.
func WithDeliveryTTL(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.deliveryTTL = d
		}
	}
}

// WithProcessingTimeout sets the quiet period after which a busy agent is
// considered to have gone silent and its processing flag is swept.
func WithProcessingTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.processingTimeout = d
		}
	}
}
