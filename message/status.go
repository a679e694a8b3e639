package message

import "fmt"

// Status is the RPC-level outcome carried at the front of every Reply body
// as a little-endian u32. StatusOK is followed by the encoded return value;
// any other status terminates the body.
type Status uint32

const (
	StatusOK              Status = 0
	StatusUnknownService  Status = 1 // no handler registered for the service
	StatusUnknownFunction Status = 2 // service known, function is not
	StatusInvalidArgs     Status = 3 // argument decode failed or trailing bytes
	StatusHandlerError    Status = 4 // handler ran and returned an error
	StatusBusy            Status = 5 // server refused under load
	StatusVersionError    Status = 6 // peer spoke a different codec version
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusUnknownService:
		return "unknown service"
	case StatusUnknownFunction:
		return "unknown function"
	case StatusInvalidArgs:
		return "invalid arguments"
	case StatusHandlerError:
		return "handler error"
	case StatusBusy:
		return "busy"
	case StatusVersionError:
		return "version error"
	}
	return fmt.Sprintf("status(%d)", uint32(s))
}
