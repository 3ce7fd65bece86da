package daemon

import "time"

// rotationCheckInterval is how often the daemon checks whether the
// peer-id rotation schedule has elapsed; the actual 1-6h rotation interval
// is owned by identity.Rotator itself.
const rotationCheckInterval = 30 * time.Second

// rekeyCheckInterval is how often established sessions are polled for the
// elapsed-time/message-count rekey thresholds.
const rekeyCheckInterval = 60 * time.Second

// deliveryCheckInterval is how often the delivery tracker sweeps for timed
// out in-flight messages.
const deliveryCheckInterval = 5 * time.Second

func rotationTicker() *time.Ticker {
	return time.NewTicker(rotationCheckInterval)
}

func rekeyTicker() *time.Ticker {
	return time.NewTicker(rekeyCheckInterval)
}

func deliveryTicker() *time.Ticker {
	return time.NewTicker(deliveryCheckInterval)
}
