package metadata_test

import (
	"os"
	"testing"

	bitfield "github.com/prysmaticlabs/go-bitfield"

	"github.com/ethp2p/peercore/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreate_FreshWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	s := metadata.LoadOrCreate(dir, &metadata.V1{Seq: 0, Attnets: bitfield.NewBitvector64()})
	assert.Equal(t, uint64(0), s.Current().SequenceNumber())
}

func TestAdopt_OnlyNewerWins(t *testing.T) {
	dir := t.TempDir()
	s := metadata.LoadOrCreate(dir, &metadata.V2{Seq: 1, Attnets: bitfield.NewBitvector64(), Syncnets: bitfield.NewBitvector4()})

	ok := s.Adopt(&metadata.V2{Seq: 1, Attnets: bitfield.NewBitvector64(), Syncnets: bitfield.NewBitvector4()})
	assert.False(t, ok)

	ok = s.Adopt(&metadata.V2{Seq: 2, Attnets: bitfield.NewBitvector64(), Syncnets: bitfield.NewBitvector4()})
	assert.True(t, ok)
	assert.Equal(t, uint64(2), s.Current().SequenceNumber())
}

func TestPersistence_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	att := bitfield.NewBitvector64()
	att.SetBitAt(3, true)
	s := metadata.LoadOrCreate(dir, &metadata.V3{Seq: 5, Attnets: att, Syncnets: bitfield.NewBitvector4(), CSC: 4})
	assert.Equal(t, uint64(5), s.Current().SequenceNumber())

	_, err := os.Stat(dir + "/metadata.ssz")
	require.NoError(t, err)

	reloaded := metadata.LoadOrCreate(dir, &metadata.V1{})
	assert.Equal(t, uint64(5), reloaded.Current().SequenceNumber())
	cscCount, ok := reloaded.Current().CustodySubnetCount()
	require.Equal(t, true, ok)
	assert.Equal(t, uint64(4), cscCount)
}

func TestBumpAttestationBits(t *testing.T) {
	dir := t.TempDir()
	s := metadata.LoadOrCreate(dir, &metadata.V1{Seq: 0, Attnets: bitfield.NewBitvector64()})
	next := bitfield.NewBitvector64()
	next.SetBitAt(1, true)
	s.BumpAttestationBits(next)
	assert.Equal(t, uint64(1), s.Current().SequenceNumber())
}
