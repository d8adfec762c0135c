// Package pricesync is the public surface of the price synchronization layer.
//
// A Service ties the pieces together:
//
//	registry ──► connection.Manager ──► Messages() ──► router.Dispatcher ──► prices cache
//	                    │                                      │
//	                    └── Events() ──► last error ◄── error frames
//
// Callers connect and subscribe through the Service, read the latest snapshot
// per symbol with CurrentPrice, and register push listeners with OnPrice,
// OnMarketStatus and OnError. A second cache, returned by Cache, is available
// for memoizing REST responses.
//
// Lifecycle:
//
//	svc := pricesync.New(cfg, logger)
//	if err := svc.Start(ctx); err != nil { ... }
//	defer svc.Close()
//	svc.Subscribe("7203")
//	svc.Connect()
package pricesync
