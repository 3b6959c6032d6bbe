package rpc

import (
	"fmt"
	"strings"

	"github.com/iotready/device/pkg/coapmsg"
	"github.com/iotready/device/pkg/registry"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// handleVariable reads a registered variable. The first segment after
// "v" selects the variable; the full remaining path is passed to the
// handler so it can route on sub-paths.
func (d *Dispatcher) handleVariable(m *coapmsg.Message) {
	segments := m.PathSegments()
	fullPath := strings.Join(segments[1:], "/")
	name := fullPath
	if i := strings.IndexByte(fullPath, '/'); i >= 0 {
		name = fullPath[:i]
	}

	v, ok := d.config.Registry.Variable(name)
	if !ok {
		d.writeError(m, codes.NotFound, fmt.Sprintf("variable %q not found", name))
		return
	}

	value, err := v.Handler(fullPath)
	if err != nil {
		d.writeError(m, userErrorCode(err), err.Error())
		return
	}

	payload, err := v.Type.EncodeValue(value)
	if err != nil {
		d.writeError(m, codes.InternalServerError, err.Error())
		return
	}

	// String and JSON payloads are size-bounded like function args.
	if (v.Type == registry.VarTypeString || v.Type == registry.VarTypeJSON) && len(payload) > MaxArgLen {
		d.writeError(m, codes.InternalServerError, fmt.Sprintf("encoded value exceeds %d bytes", MaxArgLen))
		return
	}

	if sendErr := d.config.Conn.Send(coapmsg.NewAck(m, codes.Content, payload)); sendErr != nil {
		d.surfaceError(fmt.Errorf("rpc: replying to variable read: %w", sendErr))
	}
}
