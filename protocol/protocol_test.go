package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dmsim/models"
)

func TestEncodeParseEscapesSeparators(t *testing.T) {
	line := Encode(TypeSend, "conv-1", "local-1", "a|b,c\\d\nnext")
	assert.Equal(t, "send|conv-1|local-1|a\\|b\\,c\\\\d\\nnext\n", line)

	pkt, err := ParsePacket(line)
	require.NoError(t, err)
	assert.Equal(t, TypeSend, pkt.Type)
	assert.Equal(t, []string{"conv-1", "local-1", "a|b,c\\d\nnext"}, pkt.Args)
	assert.Equal(t, "", pkt.Arg(5))
}

func TestCodecKeepsBytesIntact(t *testing.T) {
	body := "caf\xe9 \xff|ok ünï"
	pkt, err := ParsePacket(Encode(TypeSend, "c1", "r1", body))
	require.NoError(t, err)
	assert.Equal(t, body, pkt.Arg(2), "invalid sequences are not rewritten")
}

func TestParsePacketRejectsEmpty(t *testing.T) {
	_, err := ParsePacket("\n")
	assert.ErrorIs(t, err, ErrInvalidPacket)

	_, err = ParsePacket("|x")
	assert.ErrorIs(t, err, ErrInvalidPacket)
}

func TestMessageRecordSurvivesNesting(t *testing.T) {
	created := time.Date(2024, 1, 1, 23, 59, 0, 123, time.UTC)
	read := created.Add(time.Minute)
	in := []models.Message{
		{ID: 7, ConversationID: "c", Sender: "alice", Body: "pipes | and, commas", CreatedAt: created},
		{ID: 8, ConversationID: "c", Sender: "bob", Body: "back\\slash", CreatedAt: created, ReadAt: &read},
	}

	line := Encode(TypeHist, "c", EncodeMessage(in[0]), EncodeMessage(in[1]))
	pkt, err := ParsePacket(line)
	require.NoError(t, err)
	require.Len(t, pkt.Args, 3)

	for i, rec := range pkt.Args[1:] {
		got, err := DecodeMessage(rec)
		require.NoError(t, err)
		assert.Equal(t, in[i].ID, got.ID)
		assert.Equal(t, in[i].Body, got.Body)
		assert.True(t, in[i].CreatedAt.Equal(got.CreatedAt))
		if in[i].ReadAt == nil {
			assert.Nil(t, got.ReadAt)
		} else {
			require.NotNil(t, got.ReadAt)
			assert.True(t, in[i].ReadAt.Equal(*got.ReadAt))
		}
	}
}

func TestDecodeMessageRejectsGarbage(t *testing.T) {
	_, err := DecodeMessage("1|c|alice")
	assert.ErrorIs(t, err, ErrInvalidRecord)

	_, err = DecodeMessage(Join("x", "c", "alice", "hi", FormatTime(time.Now()), ""))
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestContactRecord(t *testing.T) {
	rec := EncodeContact(models.Contact{Contact: "bob", Nick: "Bob, the builder", Mutual: true})
	c, err := DecodeContact(rec)
	require.NoError(t, err)
	assert.Equal(t, "bob", c.Contact)
	assert.Equal(t, "Bob, the builder", c.Nick)
	assert.True(t, c.Mutual)
}
