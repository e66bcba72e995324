package snapshot_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow/flowguard/internal/machine"
	"github.com/linkflow/flowguard/internal/machine/machinetest"
	"github.com/linkflow/flowguard/internal/snapshot"
)

func TestBuild_Leaf(t *testing.T) {
	m := machinetest.New("order-1", "BACKLOG")
	m.Set("counter", 3)

	snap, err := snapshot.Build(m)
	require.NoError(t, err)

	assert.Equal(t, "order-1", snap.MachineID)
	assert.Equal(t, "BACKLOG", snap.ActiveID)
	assert.Empty(t, snap.Children)
	assert.Equal(t, map[string]any{"counter": 3}, snap.ExtendedVariables)
	assert.Empty(t, snap.HistoryMemory)
}

func TestBuild_DoesNotShareVariables(t *testing.T) {
	m := machinetest.New("m", "A")
	m.Set("tags", []any{"a"})

	snap, err := snapshot.Build(m)
	require.NoError(t, err)

	snap.ExtendedVariables["tags"].([]any)[0] = "changed"
	snap.ExtendedVariables["new"] = true

	assert.Equal(t, []any{"a"}, m.Get("tags"))
	assert.Nil(t, m.Get("new"))
}

func TestBuild_SubmachineUsesDeepestID(t *testing.T) {
	inner := machinetest.New("", "CODING")
	m := machinetest.New("m", "IN_PROGRESS").WithSubmachine(inner)

	snap, err := snapshot.Build(m)
	require.NoError(t, err)
	assert.Equal(t, "CODING", snap.ActiveID)
}

func TestBuild_OrthogonalCapturesRegionsInOrder(t *testing.T) {
	left := machinetest.New("", "L1")
	right := machinetest.New("", "R2")
	left.Set("side", "left")
	m := machinetest.New("m", "PARALLEL").WithRegions(left, right)

	snap, err := snapshot.Build(m)
	require.NoError(t, err)

	assert.Equal(t, "PARALLEL", snap.ActiveID)
	require.Len(t, snap.Children, 2)

	leftSnap, err := snapshot.Build(left)
	require.NoError(t, err)
	rightSnap, err := snapshot.Build(right)
	require.NoError(t, err)
	assert.True(t, snapshot.Equal(leftSnap, snap.Children[0]))
	assert.True(t, snapshot.Equal(rightSnap, snap.Children[1]))
}

func TestBuild_HistoryMemory(t *testing.T) {
	inner := machinetest.New("REVIEW", "SECOND_PASS").WithHistory("FIRST_PASS")
	m := machinetest.New("m", "IN_PROGRESS").WithSubmachine(inner).WithHistory("")

	snap, err := snapshot.Build(m)
	require.NoError(t, err)

	assert.Equal(t, "FIRST_PASS", snap.HistoryMemory["REVIEW"])
	root, ok := snap.RootHistory()
	assert.True(t, ok)
	assert.Empty(t, root)
}

func TestBuild_SkipsEmptySubmachineHistory(t *testing.T) {
	inner := machinetest.New("REVIEW", "X").WithHistory("")
	m := machinetest.New("m", "IN_PROGRESS").WithSubmachine(inner)

	snap, err := snapshot.Build(m)
	require.NoError(t, err)
	assert.NotContains(t, snap.HistoryMemory, "REVIEW")
	_, ok := snap.RootHistory()
	assert.False(t, ok)
}

type emptyChain struct{ *machinetest.Fake }

func (emptyChain) State() machine.State {
	return machine.State{ID: "S", Kind: machine.KindSubmachine}
}

func TestBuild_EmptyIDChain(t *testing.T) {
	_, err := snapshot.Build(emptyChain{machinetest.New("m", "S")})
	require.ErrorIs(t, err, snapshot.ErrEmptyIDChain)
}

func TestBuild_NilMachine(t *testing.T) {
	_, err := snapshot.Build(nil)
	require.ErrorIs(t, err, snapshot.ErrNilMachine)
}

func TestBuild_RoundTripThroughReset(t *testing.T) {
	left := machinetest.New("", "L1")
	right := machinetest.New("", "R1")
	m := machinetest.New("m", "PARALLEL").WithRegions(left, right)
	m.Set("counter", 1)

	before, err := snapshot.Build(m)
	require.NoError(t, err)

	left.Move("L2")
	right.Move("R3")
	m.Set("counter", 99)

	require.NoError(t, m.Reset(context.Background(), before))

	after, err := snapshot.Build(m)
	require.NoError(t, err)
	assert.True(t, snapshot.Equal(before, after))
}

func TestCodec_RoundTrip(t *testing.T) {
	in := &machine.Snapshot{
		MachineID:         "m",
		ActiveID:          "PARALLEL",
		ExtendedVariables: map[string]any{"counter": int64(7), "ratio": 0.5, "name": "x"},
		HistoryMemory:     map[string]string{machine.RootHistoryKey: "A"},
		Children: []*machine.Snapshot{
			{ActiveID: "L1", ExtendedVariables: map[string]any{}, HistoryMemory: map[string]string{}},
		},
	}

	data, err := snapshot.Marshal(in)
	require.NoError(t, err)

	out, err := snapshot.Unmarshal(data)
	require.NoError(t, err)
	assert.True(t, snapshot.Equal(in, out))
	assert.IsType(t, int64(0), out.ExtendedVariables["counter"])
}

func TestCodec_LegacyPayload(t *testing.T) {
	out, err := snapshot.Unmarshal([]byte(`{"machine_id":"m","active_id":"A"}`))
	require.NoError(t, err)
	assert.Equal(t, "A", out.ActiveID)
	assert.NotNil(t, out.ExtendedVariables)
	assert.NotNil(t, out.HistoryMemory)
}

func TestCodec_UnsupportedVersion(t *testing.T) {
	_, err := snapshot.Unmarshal([]byte(`{"schema_version":9,"data":{}}`))
	require.ErrorIs(t, err, snapshot.ErrUnsupportedVersion)
}

func TestClone_IsDeep(t *testing.T) {
	in := &machine.Snapshot{
		ActiveID:          "A",
		ExtendedVariables: map[string]any{"nested": map[string]any{"k": "v"}},
		HistoryMemory:     map[string]string{"S": "X"},
		Children:          []*machine.Snapshot{{ActiveID: "C"}},
	}
	out := snapshot.Clone(in)
	require.True(t, snapshot.Equal(in, out))

	out.ExtendedVariables["nested"].(map[string]any)["k"] = "changed"
	out.HistoryMemory["S"] = "Y"
	out.Children[0].ActiveID = "D"

	assert.Equal(t, "v", in.ExtendedVariables["nested"].(map[string]any)["k"])
	assert.Equal(t, "X", in.HistoryMemory["S"])
	assert.Equal(t, "C", in.Children[0].ActiveID)
}
