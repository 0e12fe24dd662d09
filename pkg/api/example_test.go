package api_test

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/petrijr/graphflow"
	"github.com/petrijr/graphflow/pkg/api"
)

// ExampleGraphDefinition builds a definition directly with the api types
// and runs it on an in-memory engine.
func ExampleGraphDefinition() {
	ctx := context.Background()

	shout := api.WorkerFunc(func(ctx context.Context, req api.InvocationRequest) (api.Result, error) {
		return api.Result{Text: strings.ToUpper(req.Text())}, nil
	})

	def := api.GraphDefinition{
		Name: "shout",
		Nodes: []api.NodeDefinition{
			{ID: "greeting", Kind: api.KindLiteral, Literal: &api.LiteralConfig{Text: "hello"}},
			{ID: "shout", Kind: api.KindWorker, Worker: shout},
		},
		Edges: []api.EdgeDefinition{api.Edge("greeting", "shout")},
	}

	eng := graphflow.NewInMemoryEngine()
	if err := eng.RegisterGraph(def); err != nil {
		log.Fatal(err)
	}

	inst, err := eng.Run(ctx, "shout", api.TextMessage(""))
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(inst.Status, inst.Output())

	// Output:
	// COMPLETED HELLO
}

func ExampleJoinText() {
	msgs := []api.Message{
		api.TextMessage("first"),
		api.TextMessage("second"),
	}
	fmt.Println(api.JoinText(msgs))

	// Output:
	// first
	//
	// second
}
