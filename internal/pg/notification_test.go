package pg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNotificationBareFields(t *testing.T) {
	n, err := ParseNotification(`0a1b2c3d,1721930000123456,77,order-placed,{"order":["o-1"]}`)
	require.NoError(t, err)

	assert.Equal(t, "0a1b2c3d", n.LedgerID)
	assert.Equal(t, uint64(1721930000123456), n.Timestamp)
	assert.Equal(t, uint32(77), n.Checksum)
	assert.Equal(t, "order-placed", n.Event)
	assert.JSONEq(t, `{"order":["o-1"]}`, string(n.Entities))
	assert.False(t, n.HasMeta)
	assert.False(t, n.HasData)
}

func TestParseNotificationQuotedFields(t *testing.T) {
	n, err := ParseNotification(`0a1b2c3d,1,2,noted,'{"a":["x,y"]}','{"actor":"it''s me"}','{"n":1}'`)
	require.NoError(t, err)

	assert.Equal(t, `{"a":["x,y"]}`, string(n.Entities))
	assert.True(t, n.HasMeta)
	assert.Equal(t, `{"actor":"it's me"}`, string(n.Meta))
	assert.True(t, n.HasData)
	assert.Equal(t, `{"n":1}`, string(n.Data))
}

func TestParseNotificationEscapedLiteral(t *testing.T) {
	n, err := ParseNotification(`0a1b2c3d,1,2,noted,E'{"a":["line\nbreak","back\\slash"]}'`)
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":[\"line\nbreak\",\"back\\slash\"]}", string(n.Entities))
}

func TestParseNotificationMetaOnly(t *testing.T) {
	n, err := ParseNotification(`0a1b2c3d,1,2,noted,{},'{"m":true}'`)
	require.NoError(t, err)
	assert.True(t, n.HasMeta)
	assert.False(t, n.HasData)
}

func TestParseNotificationErrors(t *testing.T) {
	cases := []string{
		``,
		`just,three,fields`,
		`ledger,notanumber,2,ev,{}`,
		`ledger,1,notanumber,ev,{}`,
		`ledger,1,2,ev,'unterminated`,
	}
	for _, payload := range cases {
		_, err := ParseNotification(payload)
		assert.Error(t, err, "payload %q", payload)
	}
}
