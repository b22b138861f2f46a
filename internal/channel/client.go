package channel

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	dbgerrors "github.com/ctagard/stepdbg/internal/errors"
	"github.com/ctagard/stepdbg/pkg/types"
)

// Send delivers req to the host listening on endpoint and waits for its
// response. A host that cannot be reached yields TRANSPORT_FAILURE; a
// response that does not arrive before ctx ends yields TIMEOUT.
func Send(ctx context.Context, endpoint string, req types.Request) (types.Response, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", endpoint)
	if err != nil {
		return types.Response{}, dbgerrors.TransportFailure(endpoint, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := writeMessage(conn, req); err != nil {
		return types.Response{}, failure(ctx, endpoint, req, err)
	}
	var resp types.Response
	if err := readMessage(bufio.NewReader(conn), &resp); err != nil {
		return types.Response{}, failure(ctx, endpoint, req, err)
	}
	return resp, nil
}

func failure(ctx context.Context, endpoint string, req types.Request, err error) error {
	if ctx.Err() != nil {
		return dbgerrors.Wrap(dbgerrors.CodeTimeout,
			fmt.Sprintf("no response to '%s' before the deadline", req.Command),
			"The target may still be running. Use 'stepdbg pause' to interrupt it or 'stepdbg status' to check on it.",
			ctx.Err())
	}
	return dbgerrors.TransportFailure(endpoint, err)
}
