package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/coderunner/coderunner/protocol"
)

// maxLineBytes bounds a single framed request/response line. It is sized
// well above MaxOutputBytes/MaxGetBytes plus base64 expansion headroom,
// since Put/Get payloads travel as JSON byte-string (base64) content.
const maxLineBytes = (protocol.MaxGetBytes * 2) + 4096

// wireConn frames CommandRequest/CommandResponse as newline-delimited
// JSON over conn, one envelope per line, standing in for the RPC
// framework's bidirectional stream.
type wireConn struct {
	scanner *bufio.Scanner
	w       io.Writer
}

func newWireConn(rw io.ReadWriter) *wireConn {
	scanner := bufio.NewScanner(rw)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &wireConn{scanner: scanner, w: rw}
}

// readRequest reads the next line and decodes it into a CommandRequest.
// io.EOF is returned verbatim when the peer closed its send half.
func (c *wireConn) readRequest() (protocol.CommandRequest, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return protocol.CommandRequest{}, err
		}
		return protocol.CommandRequest{}, io.EOF
	}
	var req protocol.CommandRequest
	if err := json.Unmarshal(c.scanner.Bytes(), &req); err != nil {
		return protocol.CommandRequest{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

// writeResponse encodes resp as one JSON line terminated by '\n'.
func (c *wireConn) writeResponse(resp protocol.CommandResponse) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	b = append(b, '\n')
	_, err = c.w.Write(b)
	return err
}
