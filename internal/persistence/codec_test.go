package persistence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/graphflow/pkg/api"
)

func sampleEvent() api.RunEvent {
	return api.RunEvent{RunID: "r1", Type: api.EventRunStarted}
}

func TestDecodeSnapshot_RejectsEmptyAndGarbage(t *testing.T) {
	_, err := DecodeSnapshot(nil)
	assert.Error(t, err)

	_, err = DecodeSnapshot([]byte("not gob"))
	assert.Error(t, err)

	_, err = EncodeSnapshot(nil)
	assert.Error(t, err)
}

func TestEncodeSnapshot_PreservesFailureAndAttachments(t *testing.T) {
	snap := sampleSnapshot("r", "g", api.RunFailed)
	snap.Outcome = []api.Message{{
		Source:      "worker",
		Text:        "INVOCATION_FAILED(timeout): slow",
		Failure:     &api.FailureInfo{Kind: api.FailureTimeout, Detail: "slow"},
		Attachments: []api.Attachment{{Name: "a.txt", MediaType: "text/plain", Data: []byte("hi")}},
	}}

	data, err := EncodeSnapshot(snap)
	require.NoError(t, err)
	got, err := DecodeSnapshot(data)
	require.NoError(t, err)

	require.Len(t, got.Outcome, 1)
	assert.True(t, got.Outcome[0].IsFailure())
	assert.Equal(t, api.FailureTimeout, got.Outcome[0].Failure.Kind)
	assert.Equal(t, []byte("hi"), got.Outcome[0].Attachments[0].Data)
}
