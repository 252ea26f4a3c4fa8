package im

import (
	"errors"
	"fmt"
	"time"

	"github.com/hedda/mattercontrol/pkg/im/message"
)

// DefaultRequestTimeout bounds an InteractionClient request/response round
// trip when the caller's context carries no deadline of its own.
const DefaultRequestTimeout = 30 * time.Second

// Errors surfaced by InteractionClient operations. These map onto the
// error taxonomy used throughout the handshake and IM layers: transport
// failures, protocol violations, peer-reported statuses, and command
// failures are each distinguishable by the caller.
var (
	// ErrClientTimeout indicates a request/response round trip exceeded
	// its deadline.
	ErrClientTimeout = errors.New("im: request timeout")

	// ErrClientClosed indicates the underlying exchange was closed before
	// a reply arrived.
	ErrClientClosed = errors.New("im: client closed")

	// ErrUnexpectedResponse indicates a reply carried a recognized opcode
	// but a shape the caller didn't expect (e.g. zero reports).
	ErrUnexpectedResponse = errors.New("im: unexpected response type")

	// ErrProtocolMismatch indicates a reply carried an opcode the caller
	// wasn't expecting.
	ErrProtocolMismatch = errors.New("im: unexpected message kind")

	// ErrInvalidSubscription indicates a DataReport referenced a
	// subscription id the receiver has no listener for.
	ErrInvalidSubscription = errors.New("im: unknown subscription id")

	// ErrUnexpectedReport indicates a single-path read (Get) received
	// more or fewer than one report.
	ErrUnexpectedReport = errors.New("im: unexpected number of attribute reports")

	// ErrUndefinedValue indicates a report claimed success but carried no
	// attribute value, which this client treats as a protocol violation
	// rather than a legitimate null-valued attribute (see open question
	// in the design notes on null-valued attributes).
	ErrUndefinedValue = errors.New("im: attribute report missing a value")

	// ErrNoResponse indicates an invoke produced neither response data
	// nor a result status, and the command was not marked optional.
	ErrNoResponse = errors.New("im: command produced no response nor result")
)

// StatusResponseError reports a peer-terminated Matter status for a
// specific attribute path (write) or for the request as a whole (read).
type StatusResponseError struct {
	Path *message.AttributePathIB
	Code message.Status
}

func (e *StatusResponseError) Error() string {
	if e.Path != nil {
		return fmt.Sprintf("im: status %s for path %s", e.Code, formatPath(e.Path))
	}
	return fmt.Sprintf("im: status %s", e.Code)
}

// InvokeError reports a non-success result code from a command
// invocation.
type InvokeError struct {
	Code message.Status
}

func (e *InvokeError) Error() string {
	return fmt.Sprintf("im: invoke failed with status %s", e.Code)
}

func formatPath(p *message.AttributePathIB) string {
	ep := "*"
	if p.Endpoint != nil {
		ep = fmt.Sprintf("%d", *p.Endpoint)
	}
	cl := "*"
	if p.Cluster != nil {
		cl = fmt.Sprintf("0x%04x", *p.Cluster)
	}
	at := "*"
	if p.Attribute != nil {
		at = fmt.Sprintf("0x%04x", *p.Attribute)
	}
	return fmt.Sprintf("(%s,%s,%s)", ep, cl, at)
}
