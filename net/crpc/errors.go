package crpc

import (
	"errors"
	"sync"
)

var ErrShutdown = errors.New("connection is shut down")

// ServerError is an error returned by a remote method. Codes name the registered errors the
// remote error matched, and errors.Is matches their local sentinels.
type ServerError struct {
	Codes   []string
	Message string
}

func (e *ServerError) Error() string {
	return e.Message
}

func (e *ServerError) Unwrap() []error {
	var errs []error
	for _, code := range e.Codes {
		if err := lookupCode(code); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

type registeredError struct {
	code string
	err  error
}

var (
	registryMu sync.RWMutex
	registry   []registeredError
)

// RegisterError makes err travel by code. Both ends must register the same pairs.
func RegisterError(code string, err error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	for i, r := range registry {
		if r.code == code {
			registry[i].err = err
			return
		}
	}
	registry = append(registry, registeredError{code: code, err: err})
}

func codesOf(err error) []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	var codes []string
	for _, r := range registry {
		if errors.Is(err, r.err) {
			codes = append(codes, r.code)
		}
	}
	return codes
}

func lookupCode(code string) error {
	if code == "" {
		return nil
	}
	registryMu.RLock()
	defer registryMu.RUnlock()
	for _, r := range registry {
		if r.code == code {
			return r.err
		}
	}
	return nil
}
