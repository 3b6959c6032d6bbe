package rpc

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/iotready/device/pkg/coapmsg"
	"github.com/iotready/device/pkg/registry"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// handleFunction invokes a registered function. The remaining Uri-Path
// segments form the function name; Uri-Query[0] carries the arguments
// and Uri-Query[1] the caller id.
func (d *Dispatcher) handleFunction(m *coapmsg.Message) {
	segments := m.PathSegments()
	name := strings.Join(segments[1:], "/")
	args := m.Query(0)
	caller := m.Query(1)

	if len(args) > MaxArgLen {
		d.writeError(m, codes.BadRequest, fmt.Sprintf("arguments exceed %d bytes", MaxArgLen))
		return
	}

	fn, ok := d.config.Registry.Function(name)
	if !ok {
		d.writeError(m, codes.NotFound, fmt.Sprintf("function %q not found", name))
		return
	}

	if fn.Flags&registry.FlagOwnerOnly != 0 && !d.config.Registry.IsOwner(caller) {
		d.writeError(m, codes.Forbidden, "owner only")
		return
	}

	result, err := fn.Handler(args, caller)
	if err != nil {
		d.writeError(m, userErrorCode(err), err.Error())
		return
	}

	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(result))
	if sendErr := d.config.Conn.Send(coapmsg.NewAck(m, codes.Changed, payload)); sendErr != nil {
		d.surfaceError(fmt.Errorf("rpc: replying to function call: %w", sendErr))
	}
}

// CallbackError lets a handler select the CoAP response code reported
// to the cloud.
type CallbackError struct {
	Code codes.Code
	Err  error
}

// Error implements the error interface.
func (e *CallbackError) Error() string {
	return e.Err.Error()
}

// Unwrap exposes the wrapped error.
func (e *CallbackError) Unwrap() error {
	return e.Err
}

// userErrorCode maps a callback error to its CoAP response code.
// Callbacks can pick a code via CallbackError; anything else reports
// 5.00.
func userErrorCode(err error) codes.Code {
	if ce, ok := err.(*CallbackError); ok && ce.Code != 0 {
		return ce.Code
	}
	return codes.InternalServerError
}
