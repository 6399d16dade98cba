package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"paysettle/internal/model"
	"paysettle/internal/repository"
	"paysettle/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboxNotifier_WritesEventForOwnerAndAdmins(t *testing.T) {
	db := testutil.NewTestDB(t)
	notifier := NewOutboxNotifier(db, testConfig())
	ctx := context.Background()

	require.NoError(t, notifier.PaymentSettled(ctx, Notification{
		OrderID: "order-1", UserID: testUser, TransactionNo: "TXN1", Amount: 50000, Currency: "INR", OccurredAt: time.Now(),
	}))
	require.NoError(t, notifier.PaymentFailed(ctx, Notification{
		OrderID: "order-1", UserID: testUser, TransactionNo: "TXN2", Reason: "signature_invalid", OccurredAt: time.Now(),
	}))

	messages, err := repository.NewOutboxRepository(db).ListByKey(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)

	assert.Equal(t, model.EventPaymentSettled, messages[0].EventType)
	assert.Equal(t, "payment.settled", messages[0].Topic)
	assert.Equal(t, model.OutboxStatusPending, messages[0].Status)
	assert.Equal(t, "payment.failed", messages[1].Topic)

	var payload struct {
		Event      string   `json:"event"`
		Recipients []string `json:"recipients"`
		Amount     int64    `json:"amount"`
		Reason     string   `json:"reason"`
	}
	require.NoError(t, json.Unmarshal([]byte(messages[0].Payload), &payload))
	assert.Equal(t, "payment.settled", payload.Event)
	assert.Equal(t, []string{"user:" + testUser, "ops@paysettle.test"}, payload.Recipients)
	assert.Equal(t, int64(50000), payload.Amount)

	require.NoError(t, json.Unmarshal([]byte(messages[1].Payload), &payload))
	assert.Equal(t, "signature_invalid", payload.Reason)
}
