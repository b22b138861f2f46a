// Package channel is the command transport between a short-lived client
// invocation and the host that owns a session.
//
// One connection carries exactly one request and one response, framed with
// the Content-Length header the Debug Adapter Protocol uses. The server runs
// at most one command at a time.
package channel

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/go-dap"
)

func writeMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	bw := bufio.NewWriter(w)
	if err := dap.WriteBaseMessage(bw, data); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return bw.Flush()
}

func readMessage(r *bufio.Reader, v any) error {
	data, err := dap.ReadBaseMessage(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding message: %w", err)
	}
	return nil
}
