package exception

import "github.com/yanun0323/errors"

// Transport errors
var (
	ErrTransportClosed  = errors.New("transport: closed")
	ErrPublishFailed    = errors.New("transport: publish failed")
	ErrNoSubscriber     = errors.New("transport: no subscriber connected")
	ErrEmptyKafkaTopic  = errors.New("transport: empty kafka topic")
	ErrEmptyKafkaBroker = errors.New("transport: empty kafka broker list")
)
