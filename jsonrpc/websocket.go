package jsonrpc

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
)

// Dial returns a DialFunc that opens a github.com/gorilla/websocket
// connection to url, the same client library the teacher's eventsync
// package dials with. *websocket.Conn satisfies Conn directly.
func Dial(url string, header http.Header) DialFunc {
	return func(ctx context.Context) (Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}
