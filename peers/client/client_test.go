package client_test

import (
	"testing"

	"github.com/ethp2p/peercore/peers/client"
	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	cases := []struct {
		agent string
		want  client.Kind
	}{
		{"lighthouse/v4.5.0-abc/x86_64-linux", client.Lighthouse},
		{"Prysm/v4.0.8", client.Prysm},
		{"teku/teku/v23.10.0", client.Teku},
		{"nimbus", client.Nimbus},
		{"js-libp2p/0.45.0", client.Lodestar},
		{"Grandine/0.3.0", client.Grandine},
		{"caplin", client.Caplin},
		{"some-other-client/1.0", client.Unknown},
	}
	for _, c := range cases {
		got := client.Parse(c.agent)
		assert.Equal(t, c.want, got.Kind, c.agent)
	}
}
