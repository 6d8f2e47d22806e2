package kafka

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProducer_PublishEncodesJSON(t *testing.T) {
	w := &fakeWriter{}
	p := &Producer{writer: w, metrics: newProducerMetrics(prometheus.NewRegistry())}

	type event struct {
		Experiment string `json:"experiment"`
		Kind       string `json:"kind"`
	}
	require.NoError(t, p.Publish(context.Background(), "decisions", []byte("exp-1"), event{"exp-1", "manual_stop"}))
	require.NoError(t, p.Publish(context.Background(), "decisions", nil, "raw"))

	require.Len(t, w.msgs, 2)
	assert.Equal(t, "decisions", w.msgs[0].Topic)
	assert.Equal(t, []byte("exp-1"), w.msgs[0].Key)

	var got event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, "manual_stop", got.Kind)
	assert.Equal(t, []byte("raw"), w.msgs[1].Value)
}

func TestProducer_EmptyBatchIsNoop(t *testing.T) {
	w := &fakeWriter{}
	p := &Producer{writer: w}
	require.NoError(t, p.PublishBatch(context.Background(), "t", nil))
	assert.Empty(t, w.msgs)
}

func TestMetrics_RegisterTwiceReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := newProducerMetrics(reg)
	b := newProducerMetrics(reg)
	assert.Same(t, a.messages, b.messages)
}

func TestNewProducer_RequiresBrokers(t *testing.T) {
	_, err := NewProducer()
	assert.Error(t, err)
}
