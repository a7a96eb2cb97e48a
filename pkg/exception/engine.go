package exception

import "github.com/yanun0323/errors"

// Engine lifecycle errors
var (
	ErrEngineNotInitialized = errors.New("engine: not initialized")
	ErrEngineInitialized    = errors.New("engine: already initialized")
	ErrEngineStarted        = errors.New("engine: already started")
	ErrEngineStopped        = errors.New("engine: stopped")
	ErrShardOutOfRange      = errors.New("engine: shard out of range")
	ErrControlQueueFull     = errors.New("engine: control queue full")
)
