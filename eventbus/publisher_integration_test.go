//go:build integration

package eventbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisher_NATS(t *testing.T) {
	tc := natsclient.NewTestClient(t)
	ctx := context.Background()

	received := make(chan *nats.Msg, 1)
	sub, err := tc.Client.GetConnection().ChanSubscribe("workflow.events.wf-1.>", received)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	evt := notification(t, "wf-1")
	require.NoError(t, NewPublisher(tc.Client, nil).Publish(ctx, *evt))

	select {
	case msg := <-received:
		assert.Equal(t, "workflow.events.wf-1.user_notification", msg.Subject)
		var body Message
		require.NoError(t, json.Unmarshal(msg.Data, &body))
		assert.Equal(t, evt.ID, body.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("event was not published")
	}
}
