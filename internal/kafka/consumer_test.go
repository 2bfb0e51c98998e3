package kafka

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewConsumerValidates(t *testing.T) {
	_, err := NewConsumer(Config{Topic: "bulk.jobs", GroupID: "g"})
	assert.ErrorContains(t, err, "brokers")

	_, err = NewConsumer(Config{Brokers: []string{"localhost:9092"}, GroupID: "g"})
	assert.ErrorContains(t, err, "topic")

	_, err = NewConsumer(Config{Brokers: []string{"localhost:9092"}, Topic: "bulk.jobs"})
	assert.ErrorContains(t, err, "group")
}

func TestConsumerDefaults(t *testing.T) {
	c := Config{}.withDefaults()
	assert.Equal(t, 1<<10, c.MinBytes)
	assert.Equal(t, 10<<20, c.MaxBytes)
	assert.Equal(t, 500*time.Millisecond, c.MaxWait)

	kept := Config{MinBytes: 10, MaxBytes: 20, MaxWait: time.Second}.withDefaults()
	assert.Equal(t, Config{MinBytes: 10, MaxBytes: 20, MaxWait: time.Second}, kept)
}
