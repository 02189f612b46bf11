package moderation

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/arclight-studio/gateway/internal/catalog"
	"github.com/arclight-studio/gateway/internal/session"
)

// Rotator exposes the catalog's rotation check. *catalog.Provider
// satisfies it.
type Rotator interface {
	Refresh() (catalog.Storefront, bool)
}

// ShopRefresher pushes the new storefront to subscribed, authenticated
// sessions when the daily rotation rolls over.
type ShopRefresher struct {
	catalog  Rotator
	sessions *session.Store
	sender   Sender
	logger   *zap.Logger
}

// NewShopRefresher creates the refresh job.
func NewShopRefresher(catalog Rotator, sessions *session.Store, sender Sender, logger *zap.Logger) *ShopRefresher {
	return &ShopRefresher{
		catalog:  catalog,
		sessions: sessions,
		sender:   sender,
		logger:   logger,
	}
}

// Tick checks the rotation boundary once. Run on a period from the
// lifecycle.
//
// Postcondition: Returns the number of sessions notified, zero when the
// rotation has not changed.
func (r *ShopRefresher) Tick() int {
	storefront, changed := r.catalog.Refresh()
	if !changed {
		return 0
	}

	push := struct {
		Type      string             `json:"type"`
		Timestamp int64              `json:"timestamp"`
		Payload   catalog.Storefront `json:"payload"`
	}{
		Type:      "storefront_update",
		Timestamp: time.Now().UnixMilli(),
		Payload:   storefront,
	}
	data, err := json.Marshal(push)
	if err != nil {
		r.logger.Error("encoding storefront push", zap.Error(err))
		return 0
	}

	notified := 0
	for _, sess := range r.sessions.ListAll() {
		if !sess.IsAuthenticated || !sess.SubscribedToServers {
			continue
		}
		if r.sender.Send(sess.ConnectionID, data) {
			notified++
		}
	}
	r.logger.Info("storefront rotation pushed",
		zap.String("rotation", storefront.Date),
		zap.Int("notified", notified))
	return notified
}
