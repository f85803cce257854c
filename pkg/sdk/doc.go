// Package sdk is a Go client for the fusion websocket protocol.
//
//	c, _ := sdk.Dial(ctx, "ws://localhost:8080/fusion", sdk.WithAnonymous())
//	defer c.Close()
//
//	_, _ = c.Insert(ctx, "people", sdk.Document{"id": "ada", "age": 36})
//	docs, _ := c.Query(ctx, sdk.Query{
//	    Collection: "people",
//	    Order:      &sdk.Order{Fields: []string{"age"}, Direction: sdk.Ascending},
//	    Above:      sdk.NewBound(sdk.Closed, "age", 30),
//	})
//
//	sub, _ := c.Subscribe(ctx, sdk.Query{Collection: "people", Find: sdk.Document{"id": "ada"}})
//	defer sub.Close()
//	change, _ := sub.Next(ctx)
//
// Anonymous handshakes are issued a token, available from Token, that can be
// passed to WithToken on later connections.
package sdk
