package network

import (
	"errors"

	"github.com/drpcorg/tabby/protocol"
)

// WebSocket frames, one TLV record per binary message:
//
//	J(client id)                 server to client: a client joined the path
//	L(client id)                 server to client: a client left the path
//	W( T(client id) D(message) ) addressed message; the client writes the
//	                             recipient (empty for everyone), the server
//	                             rewrites it to the sender
const (
	frameJoined  = 'J'
	frameLeft    = 'L'
	frameMessage = 'W'
)

var ErrBadFrame = errors.New("bad websocket frame")

func messageFrame(client string, msg []byte) []byte {
	return protocol.Record(frameMessage,
		protocol.Record('T', []byte(client)),
		protocol.Record('D', msg),
	)
}

func parseFrame(data []byte) (lit byte, client string, msg []byte, err error) {
	lit, body, rest, err := protocol.TakeAnyWary(data)
	if err != nil {
		return 0, "", nil, err
	}
	if len(rest) != 0 {
		return 0, "", nil, ErrBadFrame
	}
	switch lit {
	case frameJoined, frameLeft:
		return lit, string(body), nil, nil
	case frameMessage:
		to, body, err := protocol.TakeWary('T', body)
		if err != nil {
			return 0, "", nil, err
		}
		msg, body, err = protocol.TakeWary('D', body)
		if err != nil {
			return 0, "", nil, err
		}
		if len(body) != 0 {
			return 0, "", nil, ErrBadFrame
		}
		return lit, string(to), msg, nil
	}
	return 0, "", nil, ErrBadFrame
}
