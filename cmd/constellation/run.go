package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/AaronLay10/Constellation/internal/config"
	"github.com/AaronLay10/Constellation/internal/devices"
	"github.com/AaronLay10/Constellation/internal/events"
	"github.com/AaronLay10/Constellation/internal/mqtt"
	"github.com/AaronLay10/Constellation/internal/orchestrator"
)

type runOptions struct {
	simulate bool
	stream   bool
	timeout  time.Duration
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <graph.json>",
		Short: "Execute one constellation and print its report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig(cmd)
			if err != nil {
				return err
			}
			g, err := orchestrator.LoadInitialGraph(args[0])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if opts.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.timeout)
				defer cancel()
			}

			if opts.stream {
				sub := events.Subscribe()
				printed := make(chan struct{})
				go func() {
					defer close(printed)
					printEvents(cmd.ErrOrStderr(), sub)
				}()
				defer func() {
					events.Unsubscribe(sub)
					<-printed
				}()
			}

			report, err := runGraph(ctx, cfg, *g, opts.simulate)
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(report, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return report.Err()
		},
	}
	cmd.Flags().BoolVar(&opts.simulate, "simulate", false, "complete every task on in-process devices instead of MQTT")
	cmd.Flags().BoolVar(&opts.stream, "events", false, "print observability events to stderr as JSON lines")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "give up after this long (0 waits until the constellation finishes)")
	return cmd
}

func printEvents(w io.Writer, sub events.Subscriber) {
	for e := range sub {
		b, err := json.Marshal(e)
		if err != nil {
			continue
		}
		fmt.Fprintln(w, string(b))
	}
}

// runGraph starts g on a fresh hub and waits for it to finish.
func runGraph(ctx context.Context, cfg *config.Config, g orchestrator.InitialGraph, simulate bool) (orchestrator.Report, error) {
	registry := devices.NewRegistry()

	var hub *orchestrator.Hub
	if simulate {
		channel := orchestrator.DispatchFunc(func(_ context.Context, cmd orchestrator.Command) error {
			go simulateDevice(ctx, hub, cmd)
			return nil
		})
		hub = orchestrator.NewHub(ctx, registry, channel, cfg.Runtime(), hubOptions(cfg)...)
	} else {
		opts, err := mqttOptions(cfg, "-run")
		if err != nil {
			return orchestrator.Report{}, err
		}
		client := mqtt.NewClient(opts)
		topics := mqtt.NewTopics(cfg.MQTT.TopicPrefix)
		dispatcher := mqtt.NewDispatcher(client, topics)
		hub = orchestrator.NewHub(ctx, registry, dispatcher, cfg.Runtime(), hubOptions(cfg)...)
		dispatcher.OnFailure(hub.DispatchFailed)

		bridge := mqtt.NewBridge(client, topics, hub, nil)
		client.OnConnect(bridge.Resubscribe)
		if err := client.Connect(); err != nil {
			hub.Shutdown()
			return orchestrator.Report{}, err
		}
		defer client.Disconnect()
		if err := bridge.Subscribe(); err != nil {
			hub.Shutdown()
			return orchestrator.Report{}, err
		}
	}
	defer hub.Shutdown()

	if err := registerDevices(hub, cfg.Devices); err != nil {
		return orchestrator.Report{}, err
	}
	if simulate && len(cfg.Devices) == 0 {
		if err := hub.Register("local", "simulated", graphCapabilities(g)); err != nil {
			return orchestrator.Report{}, err
		}
	}

	o, err := hub.Start(g)
	if err != nil {
		return orchestrator.Report{}, err
	}

	select {
	case <-o.Done():
	case <-ctx.Done():
		hub.Shutdown()
		report, _ := o.Report()
		return report, errors.Wrapf(ctx.Err(), "constellation %s interrupted in state %s", o.ID(), o.Snapshot().State)
	}
	report, _ := o.Report()
	return report, nil
}

// simulateDevice acknowledges cmd and reports success, the way a device
// answering on its results topic would.
func simulateDevice(ctx context.Context, hub *orchestrator.Hub, cmd orchestrator.Command) {
	result := orchestrator.Result{
		ConstellationID: cmd.ConstellationID,
		TaskID:          cmd.TaskID,
		DeviceID:        cmd.DeviceID,
		AssignmentToken: cmd.AssignmentToken,
		Status:          orchestrator.ResultStarted,
	}
	if err := hub.Deliver(ctx, result); err != nil {
		return
	}
	result.Status = orchestrator.ResultSuccess
	result.Payload, _ = json.Marshal(map[string]interface{}{"simulated": true, "task": cmd.Name})
	_ = hub.Deliver(ctx, result)
}

func registerDevices(hub *orchestrator.Hub, declared []config.DeviceConfig) error {
	for _, d := range declared {
		if err := hub.Register(d.ID, d.Platform, d.Capabilities); err != nil {
			return errors.Wrapf(err, "register device %s", d.ID)
		}
	}
	return nil
}

// graphCapabilities is every capability g requires, for the default simulated
// device.
func graphCapabilities(g orchestrator.InitialGraph) []string {
	seen := make(map[string]bool)
	var caps []string
	for _, t := range g.Tasks {
		for _, c := range t.RequiredCapabilities {
			if !seen[c] {
				seen[c] = true
				caps = append(caps, c)
			}
		}
	}
	sort.Strings(caps)
	return caps
}
