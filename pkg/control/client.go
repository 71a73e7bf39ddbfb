package control

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
)

// Client calls a meshnetd control server over its Unix socket,
// following the teacher's pkg/rpc.Client one-shot-connection style.
type Client struct {
	socketPath string
}

// NewClient returns a client bound to socketPath. Each Call dials its
// own connection; the control protocol is low-frequency enough (an
// operator running meshnetctl status) that connection reuse isn't
// worth the complexity.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Status queries status.get.
func (c *Client) Status() (StatusResult, error) {
	conn, err := net.Dial("unix", c.socketPath)
	if err != nil {
		return StatusResult{}, fmt.Errorf("control: connecting to %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	req := Request{JSONRPC: "2.0", Method: MethodStatusGet, ID: 1}
	data, err := json.Marshal(req)
	if err != nil {
		return StatusResult{}, err
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return StatusResult{}, fmt.Errorf("control: sending request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return StatusResult{}, fmt.Errorf("control: reading response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return StatusResult{}, fmt.Errorf("control: decoding response: %w", err)
	}
	if resp.Error != nil {
		return StatusResult{}, fmt.Errorf("control: %s (code %d)", resp.Error.Message, resp.Error.Code)
	}

	var result StatusResult
	resultData, err := json.Marshal(resp.Result)
	if err != nil {
		return StatusResult{}, err
	}
	if err := json.Unmarshal(resultData, &result); err != nil {
		return StatusResult{}, fmt.Errorf("control: decoding status result: %w", err)
	}
	return result, nil
}
