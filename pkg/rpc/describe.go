package rpc

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/iotready/device/pkg/coapmsg"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Describe flag values carried in the request's Uri-Query.
const (
	// DescribeSystem requests the system half of the descriptor.
	DescribeSystem = 1
	// DescribeApplication requests the application half.
	DescribeApplication = 2
	// DescribeAll is SYSTEM|APPLICATION: the full descriptor document.
	DescribeAll = DescribeSystem | DescribeApplication
	// DescribeMetrics requests the 1-byte diagnostic payload.
	DescribeMetrics = 4
)

// moduleInfo is one entry of the descriptor's firmware module list.
type moduleInfo struct {
	D []string `json:"d"`
	F string   `json:"f"`
	N string   `json:"n"`
	V string   `json:"v"`
}

// handleDescribe answers a server Describe request, reusing the
// request's message id for the reply.
func (d *Dispatcher) handleDescribe(m *coapmsg.Message) {
	flags, err := describeFlags(m.Query(0))
	if err != nil {
		d.writeError(m, codes.BadRequest, err.Error())
		return
	}

	var payload []byte
	switch flags {
	case DescribeAll:
		payload, err = d.descriptor()
		if err != nil {
			d.writeError(m, codes.InternalServerError, err.Error())
			return
		}
	case DescribeMetrics:
		payload = []byte{0}
	default:
		d.writeError(m, codes.BadRequest, fmt.Sprintf("bad describe flags %d", flags))
		return
	}

	if sendErr := d.config.Conn.Send(coapmsg.NewAck(m, codes.Content, payload)); sendErr != nil {
		d.surfaceError(fmt.Errorf("rpc: replying to describe: %w", sendErr))
	}
}

// descriptor builds the JSON document enumerating registered
// functions, files and variables plus firmware metadata.
func (d *Dispatcher) descriptor() ([]byte, error) {
	files := make(map[string][]string)
	for name, mime := range d.config.Registry.Files() {
		files[name] = []string{mime, "_callback"}
	}

	variables := make(map[string]string)
	for name, typ := range d.config.Registry.Variables() {
		variables[name] = typ.String()
	}

	funcNames := d.config.Registry.FunctionNames()
	if funcNames == nil {
		funcNames = []string{}
	}

	doc := struct {
		F []string            `json:"f"`
		G map[string][]string `json:"g"`
		M []moduleInfo        `json:"m"`
		P uint16              `json:"p"`
		V map[string]string   `json:"v"`
	}{
		F: funcNames,
		G: files,
		M: []moduleInfo{
			{D: []string{}, F: "s", N: "1", V: d.config.Describe.FirmwareVersion},
		},
		P: d.config.Describe.PlatformID,
		V: variables,
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("rpc: building descriptor: %w", err)
	}
	return data, nil
}

// describeFlags parses the Uri-Query flags value. The query may be a
// decimal string or a single raw byte.
func describeFlags(q string) (int, error) {
	if q == "" {
		return DescribeAll, nil
	}
	if len(q) == 1 && q[0] < 10 {
		return int(q[0]), nil
	}
	flags, err := strconv.Atoi(q)
	if err != nil {
		return 0, fmt.Errorf("rpc: bad describe flags %q", q)
	}
	return flags, nil
}
