package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpsi-project/realmaster/config"
	"github.com/openpsi-project/realmaster/dfg"
)

const sampleTOML = `
experiment = "rlhf-demo"
trial = "trial0"
batch_size_per_device = 4
steps_per_epoch = 10
total_train_epochs = 2
model_save_root = "/tmp/checkpoints"
benchmark_steps = 0

[[models]]
role = "actor"
n_replicas = 1
[models.topology]
pipe_dim = 1
model_dim = 1
data_dim = 2

[[rpcs]]
name = "gen"
model = "actor"
interface_type = "generate"
output_keys = ["seq"]
min_n_seqs = 2
max_n_seqs = 16
max_concurrent_calls = 1
is_src = true

[[rpcs]]
name = "train"
model = "actor"
interface_type = "train_step"
input_keys = ["seq"]
min_n_seqs = 2
max_n_seqs = 16
max_concurrent_calls = 1
is_dst = true

[save_freq]
freq_epoch = 1
freq_step = 0
freq_sec = 0
`

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "experiment.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadBuildsGraphAndTopologies(t *testing.T) {
	path := writeTemp(t, sampleTOML)
	exp, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "rlhf-demo", exp.Experiment)
	assert.Equal(t, 2, exp.TotalTrainEpochs)

	graph, err := exp.Graph()
	require.NoError(t, err)
	assert.Equal(t, "gen", graph.Source().Name)
	assert.Len(t, graph.Terminals(), 1)

	topos := exp.Topologies()
	topo, ok := topos[dfg.ModelName{Role: "actor", ReplicaID: 0}]
	require.True(t, ok)
	assert.Equal(t, 2, topo.DataDim)
}

func TestLoadRejectsUnknownInterfaceType(t *testing.T) {
	bad := sampleTOML + "\n[[rpcs]]\nname = \"bogus\"\nmodel = \"actor\"\ninterface_type = \"not_a_type\"\n"
	path := writeTemp(t, bad)
	exp, err := config.Load(path)
	require.NoError(t, err)
	_, err = exp.Graph()
	assert.Error(t, err)
}
