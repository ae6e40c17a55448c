package jiggler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func countingDelivery(n *atomic.Int64, err error) *Delivery {
	return &Delivery{Queue: "default", ack: func(context.Context) error {
		n.Add(1)
		return err
	}}
}

func TestReliableAcknowledger_DrainsOnTerminate(t *testing.T) {
	a := newReliableAcknowledger(testOptions(WithMode(AtLeastOnce), WithAckConcurrency(2)))
	a.Start()

	var acked atomic.Int64
	for i := 0; i < 50; i++ {
		a.Ack(countingDelivery(&acked, nil))
	}
	// A failing ack is logged and does not stop the drain.
	a.Ack(countingDelivery(&acked, errors.New("store down")))

	a.Terminate()
	a.Terminate()
	require.NoError(t, a.Wait())
	require.EqualValues(t, 51, acked.Load())

	// After Terminate the ack runs inline.
	a.Ack(countingDelivery(&acked, nil))
	require.EqualValues(t, 52, acked.Load())
}

func TestNewAcknowledger_ByMode(t *testing.T) {
	require.IsType(t, nopAcknowledger{}, newAcknowledger(testOptions()))
	require.IsType(t, &reliableAcknowledger{}, newAcknowledger(testOptions(WithMode(AtLeastOnce))))
}
