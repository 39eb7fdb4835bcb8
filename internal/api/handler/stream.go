package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Stream handles GET /ledger/:scope/stream. It upgrades to a websocket and
// sends every entry appended to the scope as a JSON message. With ?from=N the
// stored entries from N onwards are sent first, without gaps or duplicates.
func (h *LedgerHandler) Stream(c *gin.Context) {
	if h.feed == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "streaming is not enabled"})
		return
	}
	scope := c.Param("scope")

	from := int64(-1)
	if s := c.Query("from"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be a non-negative integer"})
			return
		}
		from = n
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("stream upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Subscribe before backfilling so nothing appended in between is lost.
	live, cancel := h.feed.Subscribe(scope)
	defer cancel()
	SetStreamSubscribers(scope, h.feed.Subscribers(scope))
	defer func() { SetStreamSubscribers(scope, h.feed.Subscribers(scope)) }()

	ctx := c.Request.Context()
	next := int64(0)
	// synced is set once next is a real position in the chain. Live-only
	// streams start at whatever entry arrives first.
	synced := from >= 0
	if synced {
		if next, err = h.sendStored(ctx, conn, scope, from, -1); err != nil {
			h.logger.Warn("stream backfill", zap.String("scope", scope), zap.Error(err))
			return
		}
	}

	// Drain client frames so close and pong messages are processed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case e, ok := <-live:
			if !ok {
				return
			}
			if e.Index < next {
				continue
			}
			// The feed drops entries for a full subscriber; fill the gap from the store.
			if synced && e.Index > next {
				if next, err = h.sendStored(ctx, conn, scope, next, e.Index); err != nil {
					h.logger.Warn("stream gap fill", zap.String("scope", scope), zap.Error(err))
					return
				}
			}
			if err := writeStream(conn, e); err != nil {
				return
			}
			next = e.Index + 1
			synced = true
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait)) //nolint:errcheck
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

// sendStored writes stored entries of scope from index from up to, but not
// including, until. A negative until sends everything stored. It returns the
// index of the next entry to send.
func (h *LedgerHandler) sendStored(ctx context.Context, conn *websocket.Conn, scope string, from, until int64) (int64, error) {
	next := from
	for until < 0 || next < until {
		limit := maxPageSize
		if until >= 0 && until-next < int64(limit) {
			limit = int(until - next)
		}
		page, err := h.ledger.Entries(ctx, scope, next, limit)
		if err != nil {
			return next, err
		}
		for _, e := range page {
			if err := writeStream(conn, e); err != nil {
				return next, err
			}
			next = e.Index + 1
		}
		if len(page) < limit {
			break
		}
	}
	return next, nil
}

func writeStream(conn *websocket.Conn, v any) error {
	conn.SetWriteDeadline(time.Now().Add(streamWriteWait)) //nolint:errcheck
	return conn.WriteJSON(v)
}
