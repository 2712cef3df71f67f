package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/types"
)

func TestMode_IsValid(t *testing.T) {
	assert.True(t, ModeReplay.IsValid())
	assert.True(t, ModeLive.IsValid())
	assert.False(t, Mode("record").IsValid())
	assert.False(t, Mode("").IsValid())
}

func TestCapture_Validate(t *testing.T) {
	valid := &Capture{
		Profile: "juice_shop",
		Entries: []Entry{{Method: "GET", URL: "http://localhost:3000/", Status: 200}},
	}
	assert.NoError(t, valid.Validate())

	missing := &Capture{Entries: valid.Entries}
	err := missing.Validate()
	assert.Error(t, err)
	assert.Equal(t, types.CAPTURE_FAILED, types.CodeOf(err))

	empty := &Capture{Profile: "juice_shop"}
	err = empty.Validate()
	assert.Error(t, err)
	assert.Equal(t, types.CAPTURE_EMPTY, types.CodeOf(err))
}
