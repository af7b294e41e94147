package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"vrouter-ksync/pkg/circuit"
)

// StreamConn is the out-of-process transport variant (§4.5): TCP or
// UNIX domain socket framing, used when the datapath lives in another
// process reachable only by stream. Unlike the datagram variants, a
// single Receive call is not guaranteed to return one whole frame —
// StreamConn reassembles using the length field in the framing
// header, mirroring the original implementation's multi-segment
// receive loop (§4 SUPPLEMENTED FEATURES).
type StreamConn struct {
	conn     net.Conn
	r        *bufio.Reader
	family   uint16
	maxFrame uint32
}

// DialStream connects to network ("tcp" or "unix") at address.
func DialStream(network, address string, family uint16, maxFrame uint32) (*StreamConn, error) {
	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, fmt.Errorf("stream: dial %s %s: %w", network, address, err)
	}
	return &StreamConn{conn: conn, r: bufio.NewReaderSize(conn, int(maxFrame)), family: family, maxFrame: maxFrame}, nil
}

// DialStreamRetrying dials the out-of-process datapath the same way
// DialStream does, but guards the dial loop with a circuit.Breaker:
// once the breaker trips (after breakerCfg.FailureThreshold
// consecutive dial failures) further attempts fail fast instead of
// hammering a peer that is down, matching §7's framing that socket
// loss in the out-of-process transport is fatal for the *data* path
// without turning a slow-starting datapath peer into a log storm on
// the *dial* path. The breaker is local to one call; the first
// successful dial returns at once.
func DialStreamRetrying(ctx context.Context, network, address string, family uint16, maxFrame uint32, breakerCfg circuit.BreakerConfig, logger *logrus.Logger, attempts int, retryDelay time.Duration) (*StreamConn, error) {
	if attempts <= 0 {
		attempts = 1
	}
	breakerCfg.Name = "stream-dial"
	breaker := circuit.NewBreaker(breakerCfg, logger)

	var conn *StreamConn
	var lastErr error
	for i := 0; i < attempts; i++ {
		execErr := breaker.Execute(func() error {
			c, err := DialStream(network, address, family, maxFrame)
			if err != nil {
				return err
			}
			conn = c
			return nil
		})
		if execErr == nil {
			return conn, nil
		}
		lastErr = execErr
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
	return nil, fmt.Errorf("stream: dial %s %s: exhausted %d attempts, breaker state %s: %w", network, address, attempts, breaker.State(), lastErr)
}

func (c *StreamConn) Family() uint16      { return c.family }
func (c *StreamConn) MaxFrameLen() uint32 { return c.maxFrame }
func (c *StreamConn) Close() error        { return c.conn.Close() }

func (c *StreamConn) SendTo(frame []byte) error {
	_, err := c.conn.Write(frame)
	return err
}

// Receive reads exactly one frame, reassembling across as many
// socket reads as the length field requires.
func (c *StreamConn) Receive(ctx context.Context) ([]byte, error) {
	lenBuf, err := c.r.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("stream: read length prefix: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf)
	if length < HeaderLen || length > c.maxFrame {
		return nil, fmt.Errorf("stream: framing error, declared length %d out of [%d,%d]", length, HeaderLen, c.maxFrame)
	}

	frame := make([]byte, length)
	if _, err := readFull(c.r, frame); err != nil {
		return nil, fmt.Errorf("stream: read frame body: %w", err)
	}
	return frame, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
