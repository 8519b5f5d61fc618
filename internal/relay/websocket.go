package relay

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/router-for-me/GeminiRelay/internal/util"
	log "github.com/sirupsen/logrus"
)

const closeWriteWait = 5 * time.Second

// websocketTarget builds the upstream URL: same path, caller query without its
// key, plus the upstream credential as key.
func (r *Relay) websocketTarget(in *url.URL, credential string) string {
	target := *r.websocketURL
	target.Path = strings.TrimRight(r.websocketURL.Path, "/") + in.Path
	target.RawPath = ""
	query := in.Query()
	query.Set("key", credential)
	target.RawQuery = query.Encode()
	return target.String()
}

func (r *Relay) serveWebSocket(c *gin.Context) {
	start := time.Now()
	credential, ok := r.nextCredential(c)
	if !ok {
		r.metrics.RecordRequest("websocket", c.Writer.Status(), time.Since(start))
		return
	}
	entry := log.WithFields(log.Fields{
		"route":      "websocket",
		"path":       c.Request.URL.Path,
		"credential": util.HideAPIKey(credential),
	})

	header := http.Header{}
	if protocols := c.Request.Header.Values("Sec-WebSocket-Protocol"); len(protocols) > 0 {
		header["Sec-WebSocket-Protocol"] = protocols
	}
	upstream, resp, errDial := r.dialer.DialContext(c.Request.Context(), r.websocketTarget(c.Request.URL, credential), header)
	if errDial != nil {
		status := http.StatusInternalServerError
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			status = resp.StatusCode
		}
		r.recordError(c.Request.Context(), credential)
		logOutcome(entry.WithError(errDial), status)
		r.metrics.RecordRequest("websocket", status, time.Since(start))
		c.JSON(status, gin.H{"error": "Upstream WebSocket connection failed"})
		return
	}
	defer func() { _ = upstream.Close() }()

	var responseHeader http.Header
	if subprotocol := upstream.Subprotocol(); subprotocol != "" {
		responseHeader = http.Header{"Sec-WebSocket-Protocol": {subprotocol}}
	}
	client, errUpgrade := r.upgrader.Upgrade(c.Writer, c.Request, responseHeader)
	if errUpgrade != nil {
		entry.WithError(errUpgrade).Warn("websocket upgrade failed")
		return
	}
	defer func() { _ = client.Close() }()

	r.metrics.RecordRequest("websocket", http.StatusSwitchingProtocols, time.Since(start))
	done := r.metrics.StreamOpened()
	defer done()
	entry.Debug("websocket bridge opened")

	errc := make(chan error, 2)
	go pump(upstream, client, errc)
	go pump(client, upstream, errc)
	errBridge := <-errc
	if errBridge != nil && !isNormalClose(errBridge) {
		entry.WithError(errBridge).Debug("websocket bridge closed")
	}
}

// pump copies messages from src to dst and forwards src's close frame.
func pump(dst, src *websocket.Conn, errc chan<- error) {
	for {
		messageType, payload, errRead := src.ReadMessage()
		if errRead != nil {
			code, text := websocket.CloseNormalClosure, ""
			var closeErr *websocket.CloseError
			if errors.As(errRead, &closeErr) {
				code, text = closeErr.Code, closeErr.Text
			}
			if code == websocket.CloseNoStatusReceived || code == websocket.CloseAbnormalClosure {
				code = websocket.CloseNormalClosure
			}
			_ = dst.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(closeWriteWait))
			errc <- errRead
			return
		}
		if errWrite := dst.WriteMessage(messageType, payload); errWrite != nil {
			errc <- errWrite
			return
		}
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
