// traindbg runs a synthetic training host with the debugger embedded, for
// exercising a controller end to end without a real execution engine.
package main

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/YouSenRong/mindspore/internal/graph"
	"github.com/YouSenRong/mindspore/internal/infrastructure/config"
	"github.com/YouSenRong/mindspore/internal/infrastructure/monitoring"
	"github.com/YouSenRong/mindspore/internal/logging"
	"github.com/YouSenRong/mindspore/internal/session"
	"github.com/YouSenRong/mindspore/internal/tensor"
)

var rootCmd = &cobra.Command{
	Use:   "traindbg",
	Short: "Synthetic training host with the remote debugger embedded",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a simulated training session against a controller",
	RunE:  runSession,
}

func init() {
	runCmd.Flags().String("config", "", "YAML config file (default: environment)")
	runCmd.Flags().Uint32("device-id", 0, "Device id reported in metadata")
	runCmd.Flags().String("backend", "GPU", "Backend name reported in metadata")
	runCmd.Flags().Int("steps", 3, "Number of training steps to simulate")
	runCmd.Flags().Bool("step-only", false, "Simulate a backend without node-level hooks")
	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runSession(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	deviceID, _ := cmd.Flags().GetUint32("device-id")
	backend, _ := cmd.Flags().GetString("backend")
	steps, _ := cmd.Flags().GetInt("steps")
	stepOnly, _ := cmd.Flags().GetBool("step-only")

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	log, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stdout"},
	})
	if err != nil {
		return err
	}
	defer log.Sync()

	sess := session.New(cfg.Debugger, log.Named("debugger"),
		session.WithMetrics(monitoring.NewDefault()),
		session.WithNodeHooks(!stepOnly),
	)
	sess.Init(deviceID, backend)
	sess.Enable()

	// a data-loading graph first: the debugger must skip it
	sess.PreExecute(&graph.Graph{
		ID: 1,
		Nodes: []graph.Node{
			{Name: "queue/init", Kind: graph.KindInitDataSetQueue},
			{Name: "queue/get_next", Kind: graph.KindGetNext},
		},
	})

	compute := &graph.Graph{
		ID: 2,
		Nodes: []graph.Node{
			{Name: "conv1/weight", Kind: "Conv2D", StreamID: 1, TaskID: 1},
			{Name: "conv1/bn/gamma", Kind: "BatchNorm", Inputs: []string{"conv1/weight"}, StreamID: 1, TaskID: 2},
			{Name: "fc/softmax", Kind: "Softmax", Inputs: []string{"conv1/bn/gamma"}, StreamID: 2, TaskID: 1},
		},
	}
	sess.PreExecute(compute)

	for step := 0; step < steps; step++ {
		for _, node := range compute.Nodes {
			sess.SetCurNode(node.Name)
			if sess.ReadNodeDataRequired() {
				sess.Cache().Put(syntheticCapture(node.Name, step))
			}
			if !stepOnly {
				sess.PostExecuteNode()
			}
		}
		sess.PostExecute()
		log.Info("completed step", zap.Int("step", step))
	}

	sess.SetTrainingDone(true)
	sess.PostExecute()
	sess.Reset()
	return nil
}

// syntheticCapture builds a small float32 tensor; the last step plants a NaN
// so nan watchpoints have something to hit.
func syntheticCapture(nodeName string, step int) *tensor.Capture {
	vals := []float32{0.5, 1.5, -0.25, float32(step)}
	if step > 0 && nodeName == "conv1/bn/gamma" {
		vals[2] = float32(math.NaN())
	}
	data := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	return &tensor.Capture{
		NodeName: nodeName,
		Slot:     "0",
		Iter:     fmt.Sprintf("%d", step),
		DataType: tensor.Float32,
		Dims:     []int64{int64(len(vals))},
		Data:     data,
	}
}
