/*
Package rtnl implements the small slice of the Linux route netlink
protocol the tunnel daemons need: querying a link's MTU, bringing a link
up, and attaching an IPv4 address to it.

The tunnel data plane rides a tun device whose MTU must leave room for
the outer IP header and the packing framing on the underlying physical
interface, so both daemons look up the base device's MTU at startup and
size the tun device from it.
*/
package rtnl

import (
	"fmt"
	"net"

	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
	"golang.org/x/sys/unix"
)

// ifInfoMsgLen is the encoded size of struct ifinfomsg.
const ifInfoMsgLen = 16

// ifAddrMsgLen is the encoded size of struct ifaddrmsg.
const ifAddrMsgLen = 8

// Conn is a route netlink connection to the kernel.
type Conn struct {
	c *netlink.Conn
}

// Dial opens a new route netlink connection.
func Dial() (*Conn, error) {
	c, err := netlink.Dial(unix.NETLINK_ROUTE, nil)
	if err != nil {
		return nil, err
	}
	return &Conn{c: c}, nil
}

// Close releases the connection's resources.
func (c *Conn) Close() error {
	return c.c.Close()
}

// ifInfoMsg encodes a struct ifinfomsg for the given link index, flags
// and change mask.
func ifInfoMsg(index int32, flags, change uint32) []byte {
	b := make([]byte, ifInfoMsgLen)
	b[0] = unix.AF_UNSPEC
	nlenc.PutInt32(b[4:8], index)
	nlenc.PutUint32(b[8:12], flags)
	nlenc.PutUint32(b[12:16], change)
	return b
}

// getLink issues RTM_GETLINK for the named link and returns the reply
// carrying its ifinfomsg and attributes.
func (c *Conn) getLink(name string) (netlink.Message, error) {
	ae := netlink.NewAttributeEncoder()
	ae.String(unix.IFLA_IFNAME, name)
	attrs, err := ae.Encode()
	if err != nil {
		return netlink.Message{}, err
	}

	req := netlink.Message{
		Header: netlink.Header{
			Type:  unix.RTM_GETLINK,
			Flags: netlink.Request,
		},
		Data: append(ifInfoMsg(0, 0, 0), attrs...),
	}

	msgs, err := c.c.Execute(req)
	if err != nil {
		return netlink.Message{}, fmt.Errorf("rtnl: RTM_GETLINK %s: %v", name, err)
	}
	for _, m := range msgs {
		if len(m.Data) >= ifInfoMsgLen {
			return m, nil
		}
	}
	return netlink.Message{}, fmt.Errorf("rtnl: no link information for %s", name)
}

// LinkMTU returns the MTU of the named link.
func (c *Conn) LinkMTU(name string) (int, error) {
	m, err := c.getLink(name)
	if err != nil {
		return 0, err
	}

	ad, err := netlink.NewAttributeDecoder(m.Data[ifInfoMsgLen:])
	if err != nil {
		return 0, err
	}
	for ad.Next() {
		if ad.Type() == unix.IFLA_MTU {
			return int(ad.Uint32()), nil
		}
	}
	if err := ad.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("rtnl: link %s carries no MTU attribute", name)
}

// LinkIndex returns the interface index of the named link.
func (c *Conn) LinkIndex(name string) (int32, error) {
	m, err := c.getLink(name)
	if err != nil {
		return 0, err
	}
	return nlenc.Int32(m.Data[4:8]), nil
}

// SetLinkUp brings the named link up, setting its MTU first when mtu is
// non-zero.
func (c *Conn) SetLinkUp(name string, mtu int) error {
	index, err := c.LinkIndex(name)
	if err != nil {
		return err
	}

	ae := netlink.NewAttributeEncoder()
	if mtu > 0 {
		ae.Uint32(unix.IFLA_MTU, uint32(mtu))
	}
	attrs, err := ae.Encode()
	if err != nil {
		return err
	}

	req := netlink.Message{
		Header: netlink.Header{
			Type:  unix.RTM_NEWLINK,
			Flags: netlink.Request | netlink.Acknowledge,
		},
		Data: append(ifInfoMsg(index, unix.IFF_UP, unix.IFF_UP), attrs...),
	}

	if _, err := c.c.Execute(req); err != nil {
		return fmt.Errorf("rtnl: RTM_NEWLINK %s: %v", name, err)
	}
	return nil
}

// ifAddrMsg encodes a struct ifaddrmsg for an IPv4 address on the given
// link index.
func ifAddrMsg(index int32, prefixLen int) []byte {
	b := make([]byte, ifAddrMsgLen)
	b[0] = unix.AF_INET
	b[1] = byte(prefixLen)
	b[3] = unix.RT_SCOPE_UNIVERSE
	nlenc.PutInt32(b[4:8], index)
	return b
}

// AddAddress attaches addr/prefixLen to the named link, replacing any
// previous address with the same prefix.
func (c *Conn) AddAddress(name string, addr net.IP, prefixLen int) error {
	ip4 := addr.To4()
	if ip4 == nil {
		return fmt.Errorf("rtnl: %s is not an IPv4 address", addr)
	}

	index, err := c.LinkIndex(name)
	if err != nil {
		return err
	}

	ae := netlink.NewAttributeEncoder()
	ae.Bytes(unix.IFA_LOCAL, ip4)
	ae.Bytes(unix.IFA_ADDRESS, ip4)
	attrs, err := ae.Encode()
	if err != nil {
		return err
	}

	req := netlink.Message{
		Header: netlink.Header{
			Type:  unix.RTM_NEWADDR,
			Flags: netlink.Request | netlink.Acknowledge | netlink.Create | netlink.Replace,
		},
		Data: append(ifAddrMsg(index, prefixLen), attrs...),
	}

	if _, err := c.c.Execute(req); err != nil {
		return fmt.Errorf("rtnl: RTM_NEWADDR %s on %s: %v", addr, name, err)
	}
	return nil
}
