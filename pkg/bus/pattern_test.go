package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatternMatch(t *testing.T) {
	cases := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"list.checkout.#", "list.checkout.completed", true},
		{"list.checkout.#", "list.checkout.completed.v2", true},
		{"list.checkout.#", "list.checkout", true},
		{"list.checkout.#", "list.created", false},
		{"list.checkout.#", "cart.checkout.completed", false},
		{"list.*.completed", "list.checkout.completed", true},
		{"list.*.completed", "list.checkout.partial.completed", false},
		{"list.*", "list", false},
		{"#", "anything.at.all", true},
		{"#.completed", "list.checkout.completed", true},
		{"#.completed", "completed", true},
		{"list.#.completed", "list.completed", true},
		{"list.#.completed", "list.checkout.completed", true},
		{"list.#.completed", "list.checkout.failed", false},
		{"list.checkout.completed", "list.checkout.completed", true},
		{"list.checkout.completed", "list.checkout", false},
	}
	for _, tc := range cases {
		t.Run(tc.pattern+"/"+tc.key, func(t *testing.T) {
			p, err := ParsePattern(tc.pattern)
			require.NoError(t, err)
			assert.Equal(t, tc.want, p.Match(tc.key))
		})
	}
}

func TestParsePatternRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "list..checkout", "list.check*", ".list", "list.#x"} {
		_, err := ParsePattern(s)
		assert.Error(t, err, s)
	}
}

func TestValidateRoutingKey(t *testing.T) {
	assert.NoError(t, ValidateRoutingKey("list.checkout.completed"))
	assert.Error(t, ValidateRoutingKey(""))
	assert.Error(t, ValidateRoutingKey("list.checkout.#"))
	assert.Error(t, ValidateRoutingKey("list..completed"))
}

func TestTopologyValidate(t *testing.T) {
	valid := Topology{
		Exchange: Exchange{Name: "shopping_events", Kind: ExchangeTopic, Durable: true},
		Queues: []Queue{
			{Name: "notification_queue", Durable: true, Bindings: []string{"list.checkout.#"}},
			{Name: "analytics_queue", Durable: true, Bindings: []string{"list.checkout.#"}},
		},
	}
	require.NoError(t, valid.Validate())

	noBindings := valid
	noBindings.Queues = []Queue{{Name: "q", Durable: true}}
	assert.Error(t, noBindings.Validate())

	dup := valid
	dup.Queues = []Queue{valid.Queues[0], valid.Queues[0]}
	assert.Error(t, dup.Validate())

	fanout := valid
	fanout.Exchange.Kind = "fanout"
	assert.Error(t, fanout.Validate())
}

func TestConflictMatchesSentinel(t *testing.T) {
	err := Conflict("queue", "analytics_queue", "durable mismatch")
	assert.ErrorIs(t, err, ErrTopologyConflict)
	assert.Contains(t, err.Error(), "analytics_queue")
}
