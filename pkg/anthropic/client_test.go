package anthropic

import (
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextMessage(t *testing.T) {
	m := TextMessage("user", "hello")
	assert.Equal(t, "user", m.Role)
	require.Len(t, m.Content, 1)
	assert.Equal(t, "hello", m.Content[0].Text)
}

func TestMessageResponse_Text(t *testing.T) {
	resp := &MessageResponse{
		Content: []ContentBlock{
			{Type: "text", Text: "part one "},
			{Type: "tool_use", Text: "ignored"},
			{Type: "text", Text: "part two"},
		},
	}
	assert.Equal(t, "part one part two", resp.Text())
}

func TestToSDKMessages_TextAndImageBlocks(t *testing.T) {
	msgs := toSDKMessages([]Message{
		{
			Role: "user",
			Content: []ContentPart{
				{ImageData: "aGVsbG8=", ImageMediaType: "image/png"},
				{Text: "extract the table"},
			},
		},
	})

	require.Len(t, msgs, 1)
	assert.Equal(t, sdk.MessageParamRoleUser, msgs[0].Role)
	require.Len(t, msgs[0].Content, 2)
	assert.NotNil(t, msgs[0].Content[0].OfImage)
	assert.NotNil(t, msgs[0].Content[1].OfText)
}

func TestToSDKSystemBlocks_CacheControl(t *testing.T) {
	blocks := toSDKSystemBlocks(BuildCachedSystemBlocks("system text"))
	require.Len(t, blocks, 1)
	assert.Equal(t, "system text", blocks[0].Text)
	assert.Equal(t, sdk.CacheControlEphemeralTTL("1h"), blocks[0].CacheControl.TTL)
}
