// Package agent drives a conversation through turns of model calls and tool dispatch,
// writing every event to a stream.Encoder.
//
// Invariants:
// - A run ends with exactly one terminal record: d after a finished run, 3 after a
//   failed one.
// - Tool calls pass the per-step limiter before HIL; pending calls never execute.
// - Tool results are persisted and emitted in request order.
// - A stopped run keeps its partial assistant message with IsComplete set to false.
//
// Usage:
//
//	routine, _ := agent.NewRoutine(agent.RoutineConfig{
//		Resolver: selector,
//		Registry: registry,
//		Store:    store,
//		Logger:   logger,
//	})
//	_ = routine.Run(ctx, agent.RunParams{
//		ThreadID: "thread-1",
//		Content:  "hello",
//		Config:   agent.DefaultConfig(),
//	}, stream.NewEncoder(w))
package agent
