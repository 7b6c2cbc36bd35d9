package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"

	"github.com/collabsync/collab/collab"
)

const fanoutChannelPrefix = "record:"

// relays record broadcasts between broker instances over redis pub/sub
// so several instances can serve subscribers of the same record.
// messages are tagged with the publishing instance and skipped on
// receipt by that instance.
type Fanout struct {
	ctx    context.Context
	cancel context.CancelFunc

	client     *redis.Client
	instanceId collab.Id
}

type fanoutMessage struct {
	Instance collab.Id       `json:"instance"`
	Envelope json.RawMessage `json:"envelope"`
}

func NewFanout(ctx context.Context, redisAddr string) (*Fanout, error) {
	cancelCtx, cancel := context.WithCancel(ctx)
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})
	if err := client.Ping(cancelCtx).Err(); err != nil {
		cancel()
		client.Close()
		return nil, err
	}
	return &Fanout{
		ctx:        cancelCtx,
		cancel:     cancel,
		client:     client,
		instanceId: collab.NewId(),
	}, nil
}

func (self *Fanout) publish(contentType string, contentId string, envelope []byte) {
	message, err := json.Marshal(&fanoutMessage{
		Instance: self.instanceId,
		Envelope: envelope,
	})
	if err != nil {
		return
	}
	channel := fanoutChannel(contentType, contentId)
	if err := self.client.Publish(self.ctx, channel, message).Err(); err != nil {
		glog.Infof("[fanout]publish %s error = %s\n", channel, err)
	}
}

// deliver is called with record broadcasts published by other instances
func (self *Fanout) start(deliver func(contentType string, contentId string, envelope []byte)) {
	pubsub := self.client.PSubscribe(self.ctx, fanoutChannelPrefix+"*")

	go func() {
		defer pubsub.Close()

		channel := pubsub.Channel()
		for {
			select {
			case <-self.ctx.Done():
				return
			case received, ok := <-channel:
				if !ok {
					return
				}
				contentType, contentId, envelope, deliverable := self.decodeReceived(received.Channel, []byte(received.Payload))
				if !deliverable {
					continue
				}
				glog.V(2).Infof("[fanout]%s<-\n", received.Channel)
				deliver(contentType, contentId, envelope)
			}
		}
	}()
}

// filters a received pub/sub message down to a deliverable broadcast.
// our own publishes and malformed messages or channels are dropped.
func (self *Fanout) decodeReceived(channel string, payload []byte) (string, string, []byte, bool) {
	message := &fanoutMessage{}
	if err := json.Unmarshal(payload, message); err != nil {
		glog.Infof("[fanout]bad message = %s\n", err)
		return "", "", nil, false
	}
	if message.Instance == self.instanceId {
		// our own broadcast
		return "", "", nil, false
	}
	contentType, contentId, err := parseFanoutChannel(channel)
	if err != nil {
		return "", "", nil, false
	}
	return contentType, contentId, message.Envelope, true
}

func (self *Fanout) Close() {
	self.cancel()
	self.client.Close()
}

func fanoutChannel(contentType string, contentId string) string {
	return fmt.Sprintf("%s%s:%s", fanoutChannelPrefix, contentType, contentId)
}

func parseFanoutChannel(channel string) (string, string, error) {
	rest, ok := strings.CutPrefix(channel, fanoutChannelPrefix)
	if !ok {
		return "", "", fmt.Errorf("not a record channel: %s", channel)
	}
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("not a record channel: %s", channel)
	}
	return parts[0], parts[1], nil
}
