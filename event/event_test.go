package event

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTagsMatchTypes(t *testing.T) {
	all := []Event{
		ChallengeRequest{}, ChallengeResponse{}, Disconnect{}, BatchPropose{}, BatchSignature{}, BatchSealed{},
		TransmissionRequest{}, TransmissionResponse{}, WorkerPing{}, CertificateRequest{}, CertificateResponse{},
		PrimaryPing{},
	}
	require.Len(t, ReflectedTypesMap, len(all))
	for _, e := range all {
		require.Equal(t, reflect.TypeOf(e), ReflectedTypesMap[e.Tag()], e.Name())
	}
}

func TestEventRouting(t *testing.T) {
	require.True(t, IsPrimaryEvent(BatchPropose{}))
	require.True(t, IsPrimaryEvent(PrimaryPing{}))
	require.False(t, IsPrimaryEvent(WorkerPing{}))
	require.True(t, IsWorkerEvent(TransmissionResponse{}))
	require.False(t, IsWorkerEvent(ChallengeRequest{}))
	require.False(t, IsPrimaryEvent(Disconnect{}))
}
