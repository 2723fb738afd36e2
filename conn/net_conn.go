/*
Package conn implements the connection between a pair of nodes.
A connection is used in both directions once established. Every message is
framed as a byte that indicates its type followed by the msgpack encoded body,
and the reflected types map tells the reader which type to decode.
*/
package conn

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"reflect"
	"sync"
	"time"

	"github.com/hashicorp/go-msgpack/codec"
)

// ErrUnknownType is returned when a frame carries a type byte missing from
// the reflected types map.
var ErrUnknownType = errors.New("unknown message type")

// NetConn represents a connection established between two nodes.
type NetConn struct {
	conn net.Conn
	r    *bufio.Reader
	dec  *codec.Decoder

	writeLock sync.Mutex
	w         *bufio.Writer
	enc       *codec.Encoder

	reflectedTypesMap map[uint8]reflect.Type
}

func newNetConn(c net.Conn, reflectedTypesMap map[uint8]reflect.Type) *NetConn {
	n := &NetConn{
		conn:              c,
		r:                 bufio.NewReader(c),
		w:                 bufio.NewWriter(c),
		reflectedTypesMap: reflectedTypesMap,
	}
	n.dec = codec.NewDecoder(n.r, &codec.MsgpackHandle{})
	n.enc = codec.NewEncoder(n.w, &codec.MsgpackHandle{})
	return n
}

// WriteMsg encodes and flushes a single message. It is safe for concurrent use.
func (n *NetConn) WriteMsg(msgType uint8, msg interface{}) error {
	n.writeLock.Lock()
	defer n.writeLock.Unlock()

	if err := n.w.WriteByte(msgType); err != nil {
		return err
	}
	if err := n.enc.Encode(msg); err != nil {
		return err
	}
	return n.w.Flush()
}

// ReadMsg blocks until a whole message is decoded. The returned value has the
// type registered for the message type, not a pointer to it.
func (n *NetConn) ReadMsg() (uint8, interface{}, error) {
	msgType, err := n.r.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	reflectedType, ok := n.reflectedTypesMap[msgType]
	if !ok {
		return msgType, nil, fmt.Errorf("%w: %d", ErrUnknownType, msgType)
	}
	body := reflect.New(reflectedType)
	if err := n.dec.Decode(body.Interface()); err != nil {
		return msgType, nil, err
	}
	return msgType, body.Elem().Interface(), nil
}

// SetDeadline applies to both directions. The zero time clears it.
func (n *NetConn) SetDeadline(t time.Time) error {
	return n.conn.SetDeadline(t)
}

func (n *NetConn) RemoteAddr() net.Addr {
	return n.conn.RemoteAddr()
}

// Release closes the underlying connection.
func (n *NetConn) Release() error {
	return n.conn.Close()
}
