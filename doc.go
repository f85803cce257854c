// Package fusion embeds a realtime document gateway in a Go program.
//
// Documents live in collections and are read through ordered, bounded
// range queries planned against secondary indexes. Queries can be
// fetched once or followed as a changefeed.
//
//	gw, _ := fusion.New(ctx, fusion.WithMemory(), fusion.WithDevMode())
//	defer gw.Close()
//
//	_, _ = gw.Insert(ctx, "people", fusion.Document{"id": "ada", "age": 36})
//	docs, _ := gw.Table("people").OrderBy("age").Above("age", 30, fusion.Closed).Fetch(ctx)
//
//	feed, _ := gw.Table("people").Find(fusion.Document{"id": "ada"}).Watch(ctx)
//	change, _ := feed.Next(ctx)
//
// # Typed collections
//
//	type Person struct {
//	    ID  string `json:"id"`
//	    Age int    `json:"age"`
//	}
//
//	people := fusion.NewCollection[Person](gw, "people")
//	_, _ = people.Store(ctx, Person{ID: "ada", Age: 36})
//	p, ok, _ := people.Get(ctx, "ada")
//
// The gateway also serves the websocket protocol through Handler.
package fusion
