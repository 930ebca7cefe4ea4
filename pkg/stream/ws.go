package stream

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// ServeWS upgrades the request and forwards hub events until either side
// closes. originPatterns restricts cross-origin upgrades; empty means
// same-origin only.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, originPatterns []string) {
	opts := &websocket.AcceptOptions{}
	if len(originPatterns) > 0 {
		opts.OriginPatterns = originPatterns
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := h.Subscribe(64)
	defer h.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, NewEvent(EventReady, nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

// OriginPatterns splits a comma-separated allowlist.
func OriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
