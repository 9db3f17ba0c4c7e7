package dataowner_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpsi-project/realmaster/dataowner"
	"github.com/openpsi-project/realmaster/dfg"
)

func TestSetAndLookup(t *testing.T) {
	r := dataowner.New()
	actor := dfg.ModelName{Role: "actor"}
	require.NoError(t, r.Set(0, "seq", dataowner.Owner{ModelName: actor, DPRank: 1}))

	o, err := r.Lookup(0, "seq")
	require.NoError(t, err)
	assert.Equal(t, actor, o.ModelName)
	assert.Equal(t, 1, o.DPRank)
}

func TestSetRejectsDuplicateProducer(t *testing.T) {
	r := dataowner.New()
	actor := dfg.ModelName{Role: "actor"}
	ref := dfg.ModelName{Role: "ref"}
	require.NoError(t, r.Set(0, "seq", dataowner.Owner{ModelName: actor, DPRank: 0}))
	err := r.Set(0, "seq", dataowner.Owner{ModelName: ref, DPRank: 0})
	assert.ErrorIs(t, err, dataowner.ErrDuplicateOwner)
}

func TestLookupUnknown(t *testing.T) {
	r := dataowner.New()
	_, err := r.Lookup(5, "seq")
	assert.ErrorIs(t, err, dataowner.ErrUnknown)
}

func TestProducerMapping(t *testing.T) {
	r := dataowner.New()
	actor := dfg.ModelName{Role: "actor"}
	require.NoError(t, r.Set(0, "seq", dataowner.Owner{ModelName: actor, DPRank: 0}))
	require.NoError(t, r.Set(1, "seq", dataowner.Owner{ModelName: actor, DPRank: 1}))
	require.NoError(t, r.Set(2, "seq", dataowner.Owner{ModelName: actor, DPRank: 0}))

	producer, mapping, err := r.ProducerMapping([]int{0, 1, 2}, "seq")
	require.NoError(t, err)
	assert.Equal(t, actor, producer)
	assert.Equal(t, []int{0, 2}, mapping[0])
	assert.Equal(t, []int{1}, mapping[1])
}

func TestProducerMappingRejectsAmbiguity(t *testing.T) {
	r := dataowner.New()
	actor := dfg.ModelName{Role: "actor"}
	ref := dfg.ModelName{Role: "ref"}
	require.NoError(t, r.Set(0, "seq", dataowner.Owner{ModelName: actor, DPRank: 0}))
	require.NoError(t, r.Set(1, "seq", dataowner.Owner{ModelName: ref, DPRank: 0}))

	_, _, err := r.ProducerMapping([]int{0, 1}, "seq")
	assert.Error(t, err)
}

func TestDrop(t *testing.T) {
	r := dataowner.New()
	actor := dfg.ModelName{Role: "actor"}
	require.NoError(t, r.Set(0, "seq", dataowner.Owner{ModelName: actor, DPRank: 0}))
	r.Drop([]int{0})
	_, err := r.Lookup(0, "seq")
	assert.ErrorIs(t, err, dataowner.ErrUnknown)
}
