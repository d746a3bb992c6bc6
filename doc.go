// Package pbsd exposes the Go APIs behind the privacy budget service front
// end. pbsd coordinates the phases of a budget transaction (begin, prepare,
// commit, notify, abort, end) and consumes privacy budget tokens during the
// prepare phase. The server runs cleanly as PID 1, and the package also makes
// it easy to embed the server or talk to pbsd from Go clients.
//
// # Running a server
//
// The server listens on the network specified by `Config.ListenProto` (default
// `tcp`) and address `Config.Listen`. `Config.RemoteCoordinatorClaimedIdentity`
// is required: requests claiming that identity are attributed to the
// transaction origin they carry.
//
//	cfg := pbsd.Config{
//	    Listen:                           ":9441",
//	    Ledger:                           "bolt:///var/lib/pbsd/budgets.db",
//	    RemoteCoordinatorClaimedIdentity: "coordinator-b.example",
//	}
//	srv, err := pbsd.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("pbsd: %v", err)
//	    }
//	}()
//	defer srv.Close()
//
// # Budget ledgers
//
// `Config.Ledger` selects where consumed tokens are recorded:
//
//   - `mem://` keeps usage in process memory (default).
//   - `bolt:///path/to/file.db` persists usage in a bbolt database.
//   - `sqlite:///path/to/file.db` persists usage in SQLite.
//   - `http://peer:9441` forwards consumption to another pbsd started with
//     `Config.ServeLedger`.
//
// Each budget key may consume `Config.TokensPerBucket` tokens per reporting
// hour. Consumption is all-or-nothing: when any entry would exceed its
// capacity, nothing is consumed and the prepare phase answers 409 with the
// exhausted positions as `{"v":"1.0","f":[...]}`.
//
// # Unix domain sockets
//
// For same-host sidecars set `ListenProto` to "unix". Stale sockets are removed
// on start and the socket file is removed on shutdown.
//
//	cfg := pbsd.Config{
//	    ListenProto:                      "unix",
//	    Listen:                           "/var/run/pbsd.sock",
//	    RemoteCoordinatorClaimedIdentity: "coordinator-b.example",
//	}
//	srv, stop, err := pbsd.StartServer(ctx, cfg)
//	if err != nil { log.Fatal(err) }
//	defer stop(context.Background())
//
// # Client SDK
//
// The Go client (`pkt.systems/pbsd/client`) wraps the HTTP API. Base URLs may
// use http, https or unix:///path/to/socket.
//
//	cli, err := client.New("http://127.0.0.1:9441", client.WithClaimedIdentity("adtech.example"))
//	txn := client.NewTransaction("secret")
//	_, err = cli.Begin(ctx, txn)
//	_, err = cli.PrepareV1(ctx, txn, []api.BudgetKey{{Key: "campaign-1", ReportingTime: "2024-05-01T13:00:00Z"}})
//	if idx, ok := client.ExhaustedIndices(err); ok {
//	    log.Printf("exhausted budgets: %v", idx)
//	}
//
// # Observability
//
// Phase counters (total_request, client_error, server_error) are aggregated
// per reporting origin and pushed through OpenTelemetry metrics every
// `Config.AggregatedMetricInterval`. `Config.MetricsListen` serves them in
// Prometheus format, `Config.OTLPEndpoint` exports traces and metrics over
// OTLP, and `Config.PprofListen` exposes net/http/pprof.
//
// # Testing helpers
//
// `StartTestServer` boots a server on a loopback port with the in-memory
// ledger and returns a ready client:
//
//	ts := pbsd.StartTestServer(t)
//	_, err := ts.Client.Begin(ctx, client.NewTransaction("s"))
package pbsd
