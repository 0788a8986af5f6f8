// Command demo wires a two-kernel runtime from a YAML config, bridges agent
// plan events into an observability kernel, and runs a small execution plan
// whose lifecycle events flow through the bus.
package main

import (
	"context"
	"fmt"

	"goa.design/clue/log"

	"github.com/kernelworks/axon/event"
	"github.com/kernelworks/axon/executor"
	"github.com/kernelworks/axon/kernel"
	"github.com/kernelworks/axon/multikernel"
	"github.com/kernelworks/axon/planner"
	"github.com/kernelworks/axon/telemetry"
)

const config = `
kernels:
  - kernelId: agent-1
    namespace: agent
    workflow: demo
    tenantId: acme
  - kernelId: obs-1
    namespace: observability
    workflow: demo
    tenantId: platform
bridges:
  - fromNamespace: agent
    toNamespace: observability
    eventPattern: "agent.plan.*"
    enableLogging: true
`

// echoTools answers every tool call with a tagged result.
type echoTools struct{}

func (echoTools) Act(_ context.Context, action planner.Action) (any, error) {
	return planner.ActionResult{
		Type:    "tool_result",
		Content: fmt.Sprintf("ran %s with %v", action.ToolName, action.Input),
	}, nil
}

func main() {
	ctx := log.Context(context.Background(), log.WithFormat(log.FormatTerminal))

	cfg, err := multikernel.ParseConfig([]byte(config))
	if err != nil {
		panic(err)
	}
	mgr, err := multikernel.New(cfg, multikernel.Options{
		Logger:  telemetry.NewLogger(),
		Metrics: telemetry.NewMetrics(),
		Tracer:  telemetry.NewTracer(),
	})
	if err != nil {
		panic(err)
	}
	if err := mgr.Initialize(ctx); err != nil {
		panic(err)
	}
	defer mgr.Shutdown(ctx)

	// The observability kernel prints every bridged plan event.
	obs, err := mgr.Kernel("obs-1")
	if err != nil {
		panic(err)
	}
	if _, err := obs.Registry().RegisterPattern("agent.plan.*", func(_ context.Context, ev *event.Event) (any, error) {
		fmt.Printf("observed %s (thread %s)\n", ev.Type, ev.ThreadID)
		return nil, nil
	}); err != nil {
		panic(err)
	}

	exec, err := executor.New(executor.Options{
		Planner: &planner.StaticPlanner{},
		Tools:   echoTools{},
		Emit: func(ctx context.Context, eventType string, data any) {
			mgr.Emit(ctx, eventType, data, kernel.EmitOptions{ThreadID: "plan-demo"})
		},
	})
	if err != nil {
		panic(err)
	}

	plan := planner.NewPlan("summarize the quarter",
		&planner.PlanStep{ID: "fetch", Tool: "report.fetch", Arguments: map[string]any{"quarter": "Q3"}},
		&planner.PlanStep{ID: "summarize", Tool: "report.summarize", DependsOn: []string{"fetch"}},
	)
	res, err := exec.Run(ctx, plan, &planner.Context{Goal: plan.Goal})
	if err != nil {
		panic(err)
	}
	fmt.Printf("plan finished: %s in %d rounds (%d steps)\n",
		res.Type, res.Rounds, len(res.SuccessfulSteps))

	agent, err := mgr.Kernel("agent-1")
	if err != nil {
		panic(err)
	}
	agent.Drain(ctx)
	obs.Drain(ctx)

	for _, ks := range mgr.Status().Kernels {
		fmt.Printf("kernel %s [%s] state=%s\n", ks.KernelID, ks.Namespace, ks.State)
	}
}
