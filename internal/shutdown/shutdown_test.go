package shutdown

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestRunIsLIFO(t *testing.T) {
	hooks := New(zerolog.Nop())
	var order []string
	hooks.Add("first", func() { order = append(order, "first") })
	hooks.Add("second", func() { order = append(order, "second") })
	hooks.Add("third", func() { order = append(order, "third") })

	hooks.Run()
	assert.Equal(t, []string{"third", "second", "first"}, order)
}

func TestRunIsOnce(t *testing.T) {
	hooks := New(zerolog.Nop())
	calls := 0
	hooks.Add("hook", func() { calls++ })

	hooks.Run()
	hooks.Run()
	assert.Equal(t, 1, calls)
}
