// Package pluginrpc is a capability RPC runtime for isolated plugins. A host
// process talks to plugins running in other processes, in goroutines or on
// remote cluster workers through the same object model, without either side
// knowing the other's transport or location.
//
// Key Features:
//   - Peer: method calls, property access and object references over any
//     duplex byte transport (stdio pipes, sockets, gRPC streams, net.Pipe)
//   - Proxies restricted to the interface the exporter declared
//   - Length-prefixed framing with packet chunking and write coalescing
//   - AsyncQueue bridging push producers and pull consumers
//   - Zygote pools of pre-spawned worker processes
//   - Cluster worker registry with a serialized settings write path and a
//     JSON-RPC admin surface
//   - Stream bridge tunnelling sockets and shells through RPC with
//     watermark flow control
//   - Worker health checks, a spawn circuit breaker and ordered host
//     shutdown that drains in-flight calls
//
// Basic Usage:
//
//	// Worker side
//	obj := pluginrpc.NewLocalObject("Greeter").
//		Method("hello", func(ctx context.Context, args pluginrpc.Args) (any, error) {
//			name, err := args.String(0)
//			return "hello " + name, err
//		})
//	err := pluginrpc.ServeWorker(ctx, pluginrpc.ServeConfig{
//		Objects: map[string]pluginrpc.Object{"greeter": obj},
//	})
//
//	// Host side
//	spawner, err := pluginrpc.NewProcessSpawner(pluginrpc.ProcessSpawnerConfig{
//		ExecutablePath: "./bin/greeter",
//	})
//	pool := pluginrpc.NewZygote(spawner.Spawn, pluginrpc.ZygoteConfig{PoolSize: 2}, logger)
//	worker, err := pool.Next(ctx)
//	greeter, err := worker.GetParam(ctx, "greeter")
//	reply, err := greeter.Call(ctx, "hello", "world")
//
// Calls carry no built-in timeout; bound them with the context deadline.
//
// Copyright (c) 2025 AGILira - A. Giordano
// SPDX-License-Identifier: MPL-2.0
package pluginrpc
