// Package nimbus is a message-bus runtime that mediates commands, competing
// and multicast events, and correlated request/response over a queue/topic
// transport. It sits between user-authored handlers and the transport
// driver: handlers register against the bus by message type, the bus
// provisions the queues, topics, and subscriptions they need, and envelopes
// flow through ordered inbound and outbound interceptor chains on both
// sides.
//
// A minimal setup fills a Config, creates a Bus, registers handlers with the
// generic Register functions, and calls Start:
//
//	cfg := &nimbus.Config{ApplicationName: "orders", Transport: "inmem"}
//	bus, err := nimbus.NewBus(ctx, cfg, logger, nimbus.BusDependencies{})
//	...
//	nimbus.RegisterCommandHandler(bus, nimbus.CommandHandlerRegistration[PlaceOrder]{
//		Handler: func(hc *nimbus.HandlerContext, cmd PlaceOrder) error { ... },
//	})
//	bus.Start(ctx)
//	bus.Send(ctx, PlaceOrder{ID: 7})
//
// Requests look synchronous to the caller while riding the same queues:
//
//	pong, err := nimbus.Request[Pong](ctx, bus, Ping{}, time.Second)
//
// Transports are pluggable through the transport registry; the inmem and
// redisstream adapters ship with the module.
package nimbus
