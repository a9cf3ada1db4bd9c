package p2p

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadLookupResponse(t *testing.T) {
	id, err := peer.Decode("QmaZ4tf3R7aHJtsfgdTSQhBmhCyuBuvAbRoxWaD9HsQhfi")
	require.NoError(t, err)
	body, err := json.Marshal(lookupResponse{Providers: []peer.AddrInfo{{ID: id}}})
	require.NoError(t, err)

	providers, err := readLookupResponse(bytes.NewReader(append(body, '\n')))
	require.NoError(t, err)
	require.Len(t, providers, 1)
	assert.Equal(t, id, providers[0].ID)

	// Same answer padded past the limit: valid JSON, but never read whole.
	padded := string(body[:len(body)-1]) + strings.Repeat(" ", MaxLookupResponseSize) + "}\n"
	_, err = readLookupResponse(strings.NewReader(padded))
	assert.Error(t, err)

	_, err = readLookupResponse(strings.NewReader("not json\n"))
	assert.Error(t, err)
}
