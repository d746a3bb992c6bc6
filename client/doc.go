// Package client drives the pbsd transaction protocol over HTTP.
//
// A transaction is identified by a UUID and a secret shared by every phase:
//
//	cli, err := client.New("http://127.0.0.1:9441", client.WithClaimedIdentity("adtech.example"))
//	if err != nil { log.Fatal(err) }
//	txn := client.NewTransaction("s3cret")
//	if _, err := cli.Begin(ctx, txn); err != nil { log.Fatal(err) }
//	_, err = cli.PrepareV1(ctx, txn, []api.BudgetKey{{Key: "campaign-7", ReportingTime: "2024-05-01T13:47:00Z"}})
//	if indices, ok := client.ExhaustedIndices(err); ok {
//	    log.Printf("exhausted budgets: %v", indices)
//	}
//
// Unix-domain sockets are supported via base URLs such as unix:///var/run/pbsd.sock.
package client
