package mount

import (
	"errors"
	"fmt"
)

// The Kind classifies errors that escape a Handler so that callers can choose
// a remedy without parsing message text.
type Kind int

type kinded struct {
	error
	kind Kind
}

const (
	OK = Kind(iota)
	// ConnectionFailure: the SSH session to the instance could not be established.
	ConnectionFailure
	// UnsupportedRemoteEnvironment: the instance lacks snap support or classic
	// confinement; mounts need manual remediation there.
	UnsupportedRemoteEnvironment
	// MountSupportMissing: installing mount support failed or timed out, or
	// vmount-server found it absent after launch. Retryable once remedied.
	MountSupportMissing
	// SubprocessFailure: vmount-server exited abnormally; the message carries
	// its stderr.
	SubprocessFailure
	// TerminationTimeout: vmount-server ignored termination past the deadline.
	TerminationTimeout
	// Unknown: something else. Consult the logs.
	Unknown
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "ok"
	case ConnectionFailure:
		return "connection-failure"
	case UnsupportedRemoteEnvironment:
		return "unsupported-remote-environment"
	case MountSupportMissing:
		return "mount-support-missing"
	case SubprocessFailure:
		return "subprocess-failure"
	case TerminationTimeout:
		return "termination-timeout"
	default:
		return "unknown"
	}
}

// New creates a new kinded error based on its argument. The argument can be
// an error or a string. If it isn't, it will be converted to a string using
// its '%v' formatter.
func (k Kind) New(untypedErr any) error {
	var err error
	switch untypedErr := untypedErr.(type) {
	case nil:
		return nil
	case error:
		err = untypedErr
	case string:
		err = errors.New(untypedErr)
	default:
		err = fmt.Errorf("%v", untypedErr)
	}
	return &kinded{error: err, kind: k}
}

// Newf creates a new kinded error based on a format string with arguments.
// The error is created using fmt.Errorf() so using '%w' is relevant for
// error arguments.
func (k Kind) Newf(format string, a ...any) error {
	return &kinded{error: fmt.Errorf(format, a...), kind: k}
}

// Unwrap this kinded error.
func (ke *kinded) Unwrap() error {
	return ke.error
}

// GetKind returns the Kind of a kinded error, OK for nil, and Unknown for
// other errors.
func GetKind(err error) Kind {
	if err == nil {
		return OK
	}
	// Keep unwrapping until a kind is found (or not)
	for {
		if ke, ok := err.(*kinded); ok {
			return ke.kind
		}
		if err = errors.Unwrap(err); err == nil {
			return Unknown
		}
	}
}

// ParseKind maps a Kind's String() form back to the Kind; it is how the
// daemon's API clients recover the classification from a response.
func ParseKind(s string) Kind {
	for k := OK; k <= Unknown; k++ {
		if k.String() == s {
			return k
		}
	}
	return Unknown
}
