// File: internal/device/transport/wire.go
// Description: Frame codec shared by both channels. Content is identical on
// the direct and forwarded paths: a verb plus string arguments out, a
// status/data/error block back. Only the envelope differs per channel.

package transport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ybeetle8/droidrun-vl/api/schemas"
)

// Response is the portal's reply to one request on either channel.
type Response struct {
	Status string `json:"status"`
	Data   string `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

const statusOK = "ok"

// maxFrameSize caps a single direct-channel frame. Screenshots are the
// largest payload; 32 MiB leaves generous headroom for any device.
const maxFrameSize = 32 << 20

type frameCodec struct {
	rw io.ReadWriter
}

// writeRequest emits a 4-byte big-endian length prefix followed by the JSON
// encoding of the request.
func (c frameCodec) writeRequest(req schemas.ActionRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := c.rw.Write(prefix[:]); err != nil {
		return err
	}
	_, err = c.rw.Write(body)
	return err
}

// readResponse reads one length-prefixed JSON response frame.
func (c frameCodec) readResponse() (*Response, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(c.rw, prefix[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size == 0 || size > maxFrameSize {
		return nil, schemas.NewError(schemas.KindMalformedResponse, "frame size %d out of range", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(c.rw, body); err != nil {
		return nil, err
	}
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, schemas.WrapError(schemas.KindMalformedResponse, err, "undecodable response frame")
	}
	if resp.Status == "" {
		return nil, schemas.NewError(schemas.KindMalformedResponse, "response frame missing status")
	}
	return &resp, nil
}

// toResult converts a portal response into an ActionResult for the caller.
// A device-side error status is a valid, well-formed outcome; it is reported
// on the result rather than as a transport failure.
func toResult(verb schemas.Verb, resp *Response) *schemas.ActionResult {
	if resp.Status == statusOK {
		return &schemas.ActionResult{Verb: verb, OK: true, Payload: resp.Data}
	}
	return &schemas.ActionResult{
		Verb:      verb,
		OK:        false,
		Payload:   resp.Error,
		ErrorKind: schemas.KindDeviceRejected,
	}
}
