package transport

import (
	"context"
	"fmt"
	"net"
)

// UDPLoopConn is the in-process simulation variant (§4.5): a UDP
// socket pair on loopback, used by tests and by an in-process
// simulated datapath instead of the real kernel module.
type UDPLoopConn struct {
	conn     *net.UDPConn
	peer     *net.UDPAddr
	family   uint16
	maxFrame uint32
}

// NewUDPLoopConn binds localAddr and targets peerAddr; family is the
// fixed header family id this simulated datapath expects.
func NewUDPLoopConn(localAddr, peerAddr string, family uint16, maxFrame uint32) (*UDPLoopConn, error) {
	local, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("udploop: resolve local addr: %w", err)
	}
	peer, err := net.ResolveUDPAddr("udp", peerAddr)
	if err != nil {
		return nil, fmt.Errorf("udploop: resolve peer addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, fmt.Errorf("udploop: listen: %w", err)
	}
	return &UDPLoopConn{conn: conn, peer: peer, family: family, maxFrame: maxFrame}, nil
}

func (c *UDPLoopConn) Family() uint16      { return c.family }
func (c *UDPLoopConn) MaxFrameLen() uint32 { return c.maxFrame }
func (c *UDPLoopConn) Close() error        { return c.conn.Close() }

func (c *UDPLoopConn) SendTo(frame []byte) error {
	_, err := c.conn.WriteToUDP(frame, c.peer)
	return err
}

func (c *UDPLoopConn) Receive(ctx context.Context) ([]byte, error) {
	buf := make([]byte, c.maxFrame)
	n, _, err := c.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}
