package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/evidencechain/internal/evidence/model"
	"github.com/jmerrifield20/evidencechain/internal/notifier"
)

// snapshotFlushEvery is how many snapshot events are written between flushes.
const snapshotFlushEvery = 100

// FeedSource opens change-feed subscriptions. *notifier.Notifier satisfies it.
type FeedSource interface {
	Subscribe(ctx context.Context, kind model.Kind) (*notifier.Subscription, error)
}

// FeedHandler streams the change feed as Server-Sent Events.
//
// Each stream opens with one "snapshot" event per record so far, closed by a
// "snapshot-end" event carrying the count, then one "inserted" event per
// commit. A stream that falls behind gets a "lagged" event and is closed; the
// client reconnects for a fresh snapshot.
type FeedHandler struct {
	source    FeedSource
	heartbeat time.Duration
	logger    *zap.Logger
}

// NewFeedHandler creates a new FeedHandler.
func NewFeedHandler(source FeedSource, logger *zap.Logger) *FeedHandler {
	return &FeedHandler{source: source, heartbeat: 15 * time.Second, logger: logger}
}

// Register mounts the feed routes on the given router group.
func (h *FeedHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/feed/:kind", h.Stream)
}

// Stream handles GET /feed/:kind.
func (h *FeedHandler) Stream(c *gin.Context) {
	kind, err := model.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	sub, err := h.source.Subscribe(ctx, kind)
	if err != nil {
		if ctx.Err() == nil {
			h.logger.Error("feed subscribe", zap.String("kind", string(kind)), zap.Error(err))
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "change feed unavailable"})
		return
	}
	defer sub.Close()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	for i, e := range sub.Snapshot {
		if ctx.Err() != nil {
			return
		}
		c.SSEvent("snapshot", e)
		if (i+1)%snapshotFlushEvery == 0 {
			c.Writer.Flush()
		}
	}
	c.SSEvent("snapshot-end", gin.H{"count": len(sub.Snapshot)})
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				if errors.Is(sub.Err(), notifier.ErrLagged) {
					c.SSEvent("lagged", gin.H{"error": notifier.ErrLagged.Error()})
				}
				return false
			}
			c.SSEvent(string(e.Type), e)
			return true
		case <-heartbeat.C:
			c.SSEvent("ping", time.Now().UTC().Unix())
			return true
		case <-ctx.Done():
			return false
		}
	})
}
