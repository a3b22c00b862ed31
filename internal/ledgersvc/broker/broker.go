package broker

import (
	"encoding/json"
	"time"

	"github.com/catlab/drinks-services/internal/comm"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

const (
	TopicCardMerged     = "ledger.card.merged"
	TopicDeviceApproved = "devices.approved"
)

// Broker publishes ledger-side events so terminals and dashboards can react
// without polling. Everything here is best-effort.
type Broker struct {
	Conn *nats.Conn
}

func NewBroker(nc *nats.Conn) *Broker {
	return &Broker{Conn: nc}
}

func (b *Broker) PublishMergeResult(cardUid string, merged int) {
	if b == nil || b.Conn == nil {
		return
	}
	event := comm.MergeEvent{
		CardUid:   cardUid,
		Merged:    merged,
		Timestamp: time.Now(),
	}
	bytes, err := json.Marshal(event)
	if err != nil {
		log.Errorf("Failed to marshal merge event: %v", err)
		return
	}
	if err := b.Conn.Publish(TopicCardMerged, bytes); err != nil {
		log.Errorf("Failed to publish to NATS topic %s: %v", TopicCardMerged, err)
	}
}

func (b *Broker) PublishDeviceApproved(deviceUid string, approvedAt time.Time) {
	if b == nil || b.Conn == nil {
		return
	}
	event := comm.DeviceApprovedEvent{
		DeviceUid:  deviceUid,
		ApprovedAt: approvedAt,
	}
	bytes, err := json.Marshal(event)
	if err != nil {
		log.Errorf("Failed to marshal device approved event: %v", err)
		return
	}
	if err := b.Conn.Publish(TopicDeviceApproved, bytes); err != nil {
		log.Errorf("Failed to publish to NATS topic %s: %v", TopicDeviceApproved, err)
	}
}

// SubscribeDeviceApproved lets a terminal refresh its trusted key cache as
// soon as an administrator approves a device.
func SubscribeDeviceApproved(nc *nats.Conn, fn func(comm.DeviceApprovedEvent)) (*nats.Subscription, error) {
	return nc.Subscribe(TopicDeviceApproved, func(msg *nats.Msg) {
		var event comm.DeviceApprovedEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Errorf("Error nats message %s", err)
			return
		}
		fn(event)
	})
}
