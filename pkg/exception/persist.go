package exception

import "github.com/yanun0323/errors"

// Persistence errors
var (
	ErrStoreClosed         = errors.New("persist: store closed")
	ErrEmptyCheckpointPath = errors.New("persist: empty checkpoint path")
	ErrCheckpointExists    = errors.New("persist: checkpoint path already exists")
)
