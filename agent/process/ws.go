package process

import (
	"context"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	readLimit    = 32768
	writeTimeout = 10 * time.Second
)

// wsJSONWriter sends the bytes written to it as JSON messages, split so that each message fits the peer's read limit.
type wsJSONWriter struct {
	log  *zap.SugaredLogger
	conn *websocket.Conn

	// writeMsg is called with a chunk of the written bytes, and the return value is JSON-encoded and sent as a message.
	writeMsg func(b []byte) any
}

// base64 inflates by 4/3, so a third of the read limit leaves room for the envelope
const chunkSize = readLimit / 3

func (w *wsJSONWriter) Write(b []byte) (int, error) {
	written := 0
	for written < len(b) {
		end := written + chunkSize
		if end > len(b) {
			end = len(b)
		}
		if err := writeJSON(w.conn, w.writeMsg(b[written:end])); err != nil {
			return written, err
		}
		written = end
	}
	w.log.Debugf("wrote %d bytes", written)
	return written, nil
}

func writeJSON(conn *websocket.Conn, msg any) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}

// truncateReason keeps close reasons under the 123 byte limit of a close frame.
func truncateReason(reason string) string {
	if len(reason) > 100 {
		return reason[:100]
	}
	return reason
}
