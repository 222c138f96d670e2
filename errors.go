package threadx

import "errors"

// Hard errors: raised synchronously and propagate to the caller, or
// (in the router's async request handler) get reflected back as a
// response with error=true.
var (
	ErrInvalidTypeIDChar   = errors.New("threadx: type id tag contains a character outside A-Z, 0-9")
	ErrInvalidTypeIDLength = errors.New("threadx: type id tag must be 1-4 characters")

	ErrTypeIDMismatch = errors.New("threadx: buffer type id does not match the struct being constructed over it")

	ErrRouterNotInitialized = errors.New("threadx: router is not initialized")
	ErrAlreadyInitialized   = errors.New("threadx: router is already initialized")

	ErrUnknownWorker         = errors.New("threadx: unknown peer worker")
	ErrUnknownAsyncResponse  = errors.New("threadx: response references an async message id with no pending request")
	ErrUseAfterDestroy       = errors.New("threadx: operation on a destroyed shared object")
	ErrFactoryFailure        = errors.New("threadx: shared object factory returned nil for an incoming buffer")
	ErrWorkerClosed          = errors.New("threadx: peer worker closed before a response arrived")
	ErrBufferTooSmall        = errors.New("threadx: buffer is smaller than the 40-byte header or is not 8-byte aligned")
	ErrStringTooLong         = errors.New("threadx: string value exceeds 255 code units")
	ErrLengthFieldCorrupt    = errors.New("threadx: string length prefix exceeds 255 code units on read")
	ErrUnknownProperty       = errors.New("threadx: no such property on this schema")
)
