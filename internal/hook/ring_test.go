package hook

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/blueberrycongee/sicc/internal/learning"
)

func ids(events []learning.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.ID
	}
	return out
}

func ev(i int) learning.Event { return learning.Event{ID: fmt.Sprint(i)} }

func TestRing_DropsOldest(t *testing.T) {
	r := newRing(3)
	for i := 1; i <= 3; i++ {
		assert.False(t, r.push(ev(i)))
	}
	assert.True(t, r.push(ev(4)))
	assert.True(t, r.push(ev(5)))
	assert.Equal(t, 3, r.len())
	assert.Equal(t, []string{"3", "4", "5"}, ids(r.popN(10)))
	assert.Equal(t, 0, r.len())
	assert.Nil(t, r.popN(1))
}

func TestRing_WrapsAndPushesFront(t *testing.T) {
	r := newRing(4)
	for i := 1; i <= 4; i++ {
		r.push(ev(i))
	}
	batch := r.popN(3)
	assert.Equal(t, []string{"1", "2", "3"}, ids(batch))
	r.push(ev(5))
	r.push(ev(6))

	assert.Equal(t, 1, r.pushFront(batch[1:]))
	assert.Equal(t, []string{"3", "4", "5", "6"}, ids(r.popN(4)))

	assert.Equal(t, 0, r.pushFront([]learning.Event{ev(7), ev(8)}))
	assert.Equal(t, []string{"7", "8"}, ids(r.popN(2)))
}
