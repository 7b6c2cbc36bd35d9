package broker

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/collabsync/collab/collab"
)

func fanoutPayload(t *testing.T, instance collab.Id, envelope []byte) []byte {
	t.Helper()
	payload, err := json.Marshal(&fanoutMessage{
		Instance: instance,
		Envelope: envelope,
	})
	assert.Equal(t, err, nil)
	return payload
}

func TestFanoutSkipsOwnInstance(t *testing.T) {
	fanout := &Fanout{
		instanceId: collab.NewId(),
	}
	envelope, err := collab.EncodeEnvelope(collab.EventContentUpdated, &collab.ContentUpdatedEvent{
		ContentType: "blog",
		ContentId:   "42",
	})
	assert.Equal(t, err, nil)
	channel := fanoutChannel("blog", "42")

	// our own publish bounces
	_, _, _, deliverable := fanout.decodeReceived(channel, fanoutPayload(t, fanout.instanceId, envelope))
	assert.Equal(t, deliverable, false)

	// another instance's publish delivers intact
	contentType, contentId, received, deliverable := fanout.decodeReceived(channel, fanoutPayload(t, collab.NewId(), envelope))
	assert.Equal(t, deliverable, true)
	assert.Equal(t, contentType, "blog")
	assert.Equal(t, contentId, "42")
	assert.Equal(t, string(received), string(envelope))
}

func TestFanoutDropsMalformed(t *testing.T) {
	fanout := &Fanout{
		instanceId: collab.NewId(),
	}

	_, _, _, deliverable := fanout.decodeReceived(fanoutChannel("blog", "42"), []byte("not json"))
	assert.Equal(t, deliverable, false)

	// a well formed message on a channel outside the record namespace
	_, _, _, deliverable = fanout.decodeReceived("other:blog:42", fanoutPayload(t, collab.NewId(), []byte(`{}`)))
	assert.Equal(t, deliverable, false)
}

func TestFanoutChannelCodec(t *testing.T) {
	contentType, contentId, err := parseFanoutChannel(fanoutChannel("blog", "42"))
	assert.Equal(t, err, nil)
	assert.Equal(t, contentType, "blog")
	assert.Equal(t, contentId, "42")

	// content ids may themselves contain the separator
	contentType, contentId, err = parseFanoutChannel(fanoutChannel("page", "a:b:c"))
	assert.Equal(t, err, nil)
	assert.Equal(t, contentType, "page")
	assert.Equal(t, contentId, "a:b:c")

	_, _, err = parseFanoutChannel("record:missing-id")
	assert.NotEqual(t, err, nil)
	_, _, err = parseFanoutChannel("unrelated")
	assert.NotEqual(t, err, nil)
}
